package prompt

import (
	"ai-selector-healer/internal/entity"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	DefaultHTMLBudget = 8000

	SystemInstruction = "You are an expert Quality Assurance automation engineer."
)

// noiseTags never help locate an element and eat the HTML budget.
var noiseTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
}

type Builder struct {
	budget int
}

func NewBuilder(budget int) *Builder {
	if budget <= 0 {
		budget = DefaultHTMLBudget
	}

	return &Builder{budget: budget}
}

// Snapshot reduces raw page HTML and bounds it to the builder's budget.
func (b *Builder) Snapshot(raw string) string {
	return TruncateHTML(ReduceHTML(raw), b.budget)
}

// Build renders the oracle prompt for one heal attempt.
func (b *Builder) Build(hc entity.HealingContext, hints entity.SelectorMap) string {
	var sb strings.Builder

	sb.WriteString("A web automation test step failed because an element could not be located.\n\n")

	sb.WriteString("Failure:\n")
	if hc.OriginalSelector != "" {
		fmt.Fprintf(&sb, "- The selector `%s` no longer matches anything in the DOM.\n", hc.OriginalSelector)
	}
	if hc.Exception != "" {
		fmt.Fprintf(&sb, "- The automation library raised:\n%s\n", strings.TrimSpace(hc.Exception))
	}
	if hc.Step != "" {
		fmt.Fprintf(&sb, "- Failing step: `%s`\n", hc.Step)
	}
	if hc.Label != "" {
		fmt.Fprintf(&sb, "- Label describing the target element: `%s`\n", hc.Label)
	}

	sb.WriteString("\nYou are given the HTML source of the page")
	if hc.ScreenshotPath != "" {
		sb.WriteString(" and a screenshot of the page")
	}
	sb.WriteString(".\n\nYour tasks:\n")
	sb.WriteString("1. Identify the element the failing step was trying to reach.\n")
	if hc.OriginalSelector != "" {
		sb.WriteString("2. Check whether the original selector has a typo or is outdated and correct it.\n")
	} else {
		sb.WriteString("2. Work out which selector the step was using from the error text.\n")
	}
	sb.WriteString("3. If the element has an id, a data-testid or another unique attribute, build the selector on it. ")
	sb.WriteString("Otherwise construct a reliable xpath expression. Avoid long positional paths.\n")
	sb.WriteString("4. Estimate your confidence in the new selector as a percentage.\n")
	if hc.Variant == entity.VariantByException {
		sb.WriteString("5. Choose a short snake_case identifier naming the element, e.g. `login_button`.\n")
	}

	sb.WriteString("\nRespond with exactly one JSON object inside a ```json fenced block and nothing else. ")
	sb.WriteString("Do not write any explanation before or after the block.\n\n")
	sb.WriteString(b.outputContract(hc.Variant))

	sb.WriteString("\nPreviously healed selectors:\n")
	sb.WriteString(renderHints(hints))
	sb.WriteString("\nIf a similar element already appears there, reuse or adapt that selector.\n")

	sb.WriteString("\nHTML:\n")
	sb.WriteString(TruncateHTML(hc.HTML, b.budget))
	sb.WriteString("\n")

	return sb.String()
}

func (b *Builder) outputContract(variant entity.Variant) string {
	var sb strings.Builder

	sb.WriteString("```json\n{\n")
	sb.WriteString("  \"selector\": \"your proposed xpath selector\",\n")
	sb.WriteString("  \"confidence\": \"your confidence with a % sign\",\n")
	if variant == entity.VariantByException {
		sb.WriteString("  \"selector_type\": \"xpath\",\n")
		sb.WriteString("  \"selector_identifier\": \"snake_case_element_name\"\n")
	} else {
		sb.WriteString("  \"selector_type\": \"xpath\"\n")
	}
	sb.WriteString("}\n```\n")

	return sb.String()
}

func renderHints(hints entity.SelectorMap) string {
	if len(hints) == 0 {
		return "{}"
	}

	data, err := json.MarshalIndent(hints, "", "    ")
	if err != nil {
		return "{}"
	}

	return string(data)
}

// TruncateHTML cuts s to at most budget characters without splitting a rune.
func TruncateHTML(s string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}

	count := 0
	for i := range s {
		if count == budget {
			return s[:i]
		}
		count++
	}

	return s
}

// ReduceHTML drops comments and script/style/noscript/svg subtrees. The raw
// input is returned unchanged when it cannot be parsed or rendered.
func ReduceHTML(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	prune(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return raw
	}

	return buf.String()
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling

		if c.Type == html.CommentNode || (c.Type == html.ElementNode && noiseTags[c.Data]) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}

		c = next
	}
}
