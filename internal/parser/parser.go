package parser

import (
	"ai-selector-healer/internal/entity"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	fencedJSONPattern = regexp.MustCompile("(?is)```json\\s*(\\{.*?\\})\\s*```")
	bareJSONPattern   = regexp.MustCompile(`(?s)\{[^{}]*"selector"\s*:[^{}]*\}`)

	// Tried in order; the first match wins.
	selectorPatterns = []*regexp.Regexp{
		regexp.MustCompile("(?i)Selector\\**:\\s*\\**\\s*`([^`]+)`"),
		regexp.MustCompile(`(?i)Selector\**:\s*\**\s*([^\n]+)`),
		regexp.MustCompile(`(?i)(text="[^"]+")`),
		regexp.MustCompile("(?i)```(?:css|xpath|text)?\\s*([^`]+)```"),
		// Whitespace ends the path unless it sits inside a predicate or a quote.
		regexp.MustCompile(`(//(?:\[[^\]\n]*\]|'[^'\n]*'|"[^"\n]*"|[^\s\[\]'"` + "`" + `])+)`),
		regexp.MustCompile(`(?i)(h2:-soup-contains\("[^"]+"\))`),
	}

	confidencePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Confidence:\s*\**\s*(\d+(?:\.\d+)?%)`),
		regexp.MustCompile(`(?i)Confidence:\s*\**\s*(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`(\d+(?:\.\d+)?)%`),
	}

	typePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Selector Type:\s*([^\n]+)`),
		regexp.MustCompile(`(?i)Type:\s*([^\n]+)`),
		regexp.MustCompile("(?i)```(css|xpath|text)"),
	}
)

// Parse extracts a candidate selector from free-form oracle output. It never
// panics; when nothing is recognised every field is empty.
func Parse(raw string) (c entity.Candidate) {
	defer func() {
		if r := recover(); r != nil {
			c = entity.Candidate{}
		}
	}()

	if candidate, ok := parseJSON(raw); ok {
		return candidate
	}

	return parseText(raw)
}

// InferType guesses the selector flavour from its shape.
func InferType(selector string) entity.SelectorType {
	selector = strings.TrimSpace(selector)

	switch {
	case selector == "":
		return ""
	case strings.HasPrefix(selector, "//") || strings.HasPrefix(selector, "./"):
		return entity.SelectorTypeXPath
	case strings.Contains(selector, "text="):
		return entity.SelectorTypeText
	case strings.ContainsAny(selector, ".#[:>"):
		return entity.SelectorTypeCSS
	default:
		return entity.SelectorTypeUnknown
	}
}

func parseJSON(raw string) (entity.Candidate, bool) {
	var body string

	if m := fencedJSONPattern.FindStringSubmatch(raw); m != nil {
		body = m[1]
	} else if m := bareJSONPattern.FindString(raw); m != "" {
		body = m
	} else {
		return entity.Candidate{}, false
	}

	fields, ok := decodeObject(body)
	if !ok {
		return entity.Candidate{}, false
	}

	c := entity.Candidate{
		Selector:   strings.TrimSpace(stringField(fields, "selector")),
		Confidence: normalizeConfidence(stringField(fields, "confidence")),
		Identifier: strings.ToLower(strings.TrimSpace(stringField(fields, "selector_identifier"))),
	}

	if declared := stringField(fields, "selector_type"); declared != "" {
		c.Type = entity.SelectorType(strings.ToLower(strings.TrimSpace(declared)))
	} else {
		c.Type = InferType(c.Selector)
	}

	return c, true
}

// decodeObject decodes strictly first and retries after repairing the
// usual model mistakes (trailing commas, single quotes, missing braces).
func decodeObject(body string) (map[string]any, bool) {
	var fields map[string]any

	if err := json.Unmarshal([]byte(body), &fields); err == nil && fields != nil {
		return fields, true
	}

	repaired, err := jsonrepair.JSONRepair(body)
	if err != nil {
		return nil, false
	}

	fields = nil
	if err := json.Unmarshal([]byte(repaired), &fields); err != nil || fields == nil {
		return nil, false
	}

	return fields, true
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func parseText(raw string) entity.Candidate {
	var c entity.Candidate

	for _, p := range selectorPatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			if sel := cleanSelector(m[1]); looksLikeSelector(sel) {
				c.Selector = sel
				break
			}
		}
	}

	for _, p := range confidencePatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			c.Confidence = normalizeConfidence(m[1])
			break
		}
	}

	if c.Selector == "" {
		return c
	}

	for _, p := range typePatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			if t := knownType(m[1]); t != "" {
				c.Type = t
				break
			}
		}
	}

	if c.Type == "" {
		c.Type = InferType(c.Selector)
	}

	return c
}

// cleanSelector drops markdown emphasis, backticks and trailing sentence
// punctuation. A lone "*" is left alone.
func cleanSelector(s string) string {
	s = strings.TrimSpace(s)

	for {
		before := s
		s = strings.Trim(s, "` \t\r\n")
		s = strings.TrimPrefix(s, "**")
		s = strings.TrimSuffix(s, "**")
		if s == before {
			break
		}
	}

	// Self and parent steps end in dots.
	if strings.HasSuffix(s, "/.") || strings.HasSuffix(s, "/..") {
		return s
	}

	return strings.TrimRight(s, ".,;")
}

// looksLikeSelector rejects fence bodies that are really a broken JSON reply.
func looksLikeSelector(s string) bool {
	if s == "" || strings.HasPrefix(s, "{") {
		return false
	}

	return !strings.HasPrefix(strings.ToLower(s), "json")
}

// knownType maps a free-text type label onto a selector type, or "" if the
// label names none of them.
func knownType(label string) entity.SelectorType {
	label = strings.ToLower(strings.Trim(label, "`*\"'.,: \t"))

	switch {
	case strings.HasPrefix(label, "xpath"):
		return entity.SelectorTypeXPath
	case strings.HasPrefix(label, "css"):
		return entity.SelectorTypeCSS
	case strings.HasPrefix(label, "text"):
		return entity.SelectorTypeText
	default:
		return ""
	}
}

func normalizeConfidence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasSuffix(s, "%") {
		return s
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}

	// Fractions like 0.9 are probabilities; whole numbers are already percentages.
	if strings.Contains(s, ".") && f > 0 && f <= 1 {
		s = strconv.FormatFloat(math.Round(f*10000)/100, 'f', -1, 64)
	}

	return s + "%"
}
