package entity

import (
	"time"

	"github.com/google/uuid"
)

// SelectorMap maps a selector key (the original broken selector or a
// model-chosen identifier) to the best known working selector.
type SelectorMap map[string]string

func (m SelectorMap) Clone() SelectorMap {
	out := make(SelectorMap, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

type SelectorType string

const (
	SelectorTypeXPath   SelectorType = "xpath"
	SelectorTypeCSS     SelectorType = "css"
	SelectorTypeText    SelectorType = "text"
	SelectorTypeUnknown SelectorType = "unknown"
)

// Variant selects which trigger started a heal.
type Variant string

const (
	VariantByLabel     Variant = "label"
	VariantByException Variant = "exception"
)

// Candidate is what the parser managed to pull out of an oracle reply.
// Every field may be empty.
type Candidate struct {
	Selector   string
	Type       SelectorType
	Confidence string
	Identifier string
}

// AttemptLogEntry is one immutable record of a heal attempt.
type AttemptLogEntry struct {
	ID                 uuid.UUID    `json:"id"`
	Timestamp          time.Time    `json:"timestamp"`
	Variant            Variant      `json:"variant"`
	OriginalSelector   string       `json:"original_selector,omitempty"`
	Label              string       `json:"label,omitempty"`
	Step               string       `json:"step,omitempty"`
	Exception          string       `json:"exception,omitempty"`
	SuggestedSelector  string       `json:"suggested_selector"`
	SelectorIdentifier string       `json:"selector_identifier,omitempty"`
	SelectorType       SelectorType `json:"selector_type"`
	Confidence         string       `json:"confidence"`
	Valid              bool         `json:"valid"`
	Error              string       `json:"error,omitempty"`
	DurationMs         int64        `json:"duration_ms"`
}

// HealingContext is the per-attempt state captured from the page.
type HealingContext struct {
	Variant          Variant
	Step             string
	OriginalSelector string
	Label            string
	Exception        string
	HTML             string
	ScreenshotPath   string
}

type StepAction string

const (
	StepActionNavigate StepAction = "navigate"
	StepActionClick    StepAction = "click"
	StepActionFill     StepAction = "fill"
	StepActionWait     StepAction = "wait"
	StepActionText     StepAction = "text"
)

// Step is one page interaction issued by a test scenario.
type Step struct {
	Description string
	Action      StepAction
	Selector    string
	Value       string
	URL         string
}

type StepResult struct {
	Step        Step
	Selector    string
	Healed      bool
	Text        string
	Screenshot  string
	StartedAt   time.Time
	CompletedAt time.Time
}
