package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Template is one immutable version of a reusable workflow definition.
// TemplateID is the stable domain identifier shared by every version; ID
// identifies the version row itself. New versions supersede old ones, they
// are never edited in place.
type Template struct {
	ID         string     `json:"id"`
	TemplateID string     `json:"template_id"`
	Version    int        `json:"version"`
	Name       string     `json:"name"`
	Category   Category   `json:"category"`
	Steps      []Step     `json:"steps"`
	Artifacts  []Artifact `json:"artifacts"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// StepKind tags the payload carried by a Step.
type StepKind string

const (
	StepKindPrompt    StepKind = "prompt"
	StepKindChecklist StepKind = "checklist"
	StepKindAction    StepKind = "action"
	StepKindDecision  StepKind = "decision"
)

// StepPayload is the kind-specific body of a step. The set of
// implementations is closed: PromptPayload, ChecklistPayload, ActionPayload
// and DecisionPayload.
type StepPayload interface {
	StepKind() StepKind
	cloneStepPayload() StepPayload
}

// PromptPayload carries free text shown to the operator or handed to an
// assistant.
type PromptPayload struct {
	Text string `json:"text"`
}

// ChecklistPayload carries an ordered list of items to tick off.
type ChecklistPayload struct {
	Items []string `json:"items"`
}

// ActionPayload describes a concrete action such as sending an email or
// booking a meeting. Delivery happens outside this service.
type ActionPayload struct {
	ActionType  string `json:"action_type"`
	Description string `json:"description"`
}

// DecisionPayload asks the operator to choose between options.
type DecisionPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

func (PromptPayload) StepKind() StepKind    { return StepKindPrompt }
func (ChecklistPayload) StepKind() StepKind { return StepKindChecklist }
func (ActionPayload) StepKind() StepKind    { return StepKindAction }
func (DecisionPayload) StepKind() StepKind  { return StepKindDecision }

func (p PromptPayload) cloneStepPayload() StepPayload { return p }
func (p ChecklistPayload) cloneStepPayload() StepPayload {
	return ChecklistPayload{Items: append([]string(nil), p.Items...)}
}
func (p ActionPayload) cloneStepPayload() StepPayload { return p }
func (p DecisionPayload) cloneStepPayload() StepPayload {
	return DecisionPayload{Question: p.Question, Options: append([]string(nil), p.Options...)}
}

// Step is a single unit of a workflow template.
type Step struct {
	ID      string
	Title   string
	Payload StepPayload
}

// Kind returns the tag of the step's payload, or "" when the payload is unset.
func (s Step) Kind() StepKind {
	if s.Payload == nil {
		return ""
	}
	return s.Payload.StepKind()
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := Step{ID: s.ID, Title: s.Title}
	if s.Payload != nil {
		out.Payload = s.Payload.cloneStepPayload()
	}
	return out
}

type stepJSON struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Kind    StepKind        `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the step with its kind tag next to the payload.
func (s Step) MarshalJSON() ([]byte, error) {
	out := stepJSON{ID: s.ID, Title: s.Title, Kind: s.Kind()}
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a step, selecting the payload type from its kind tag.
func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	payload, err := decodeStepPayload(in.Kind, in.Payload)
	if err != nil {
		return fmt.Errorf("step %q: %w", in.ID, err)
	}
	*s = Step{ID: in.ID, Title: in.Title, Payload: payload}
	return nil
}

func decodeStepPayload(kind StepKind, raw json.RawMessage) (StepPayload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch kind {
	case StepKindPrompt:
		var p PromptPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case StepKindChecklist:
		var p ChecklistPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case StepKindAction:
		var p ActionPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case StepKindDecision:
		var p DecisionPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown step kind %q", kind)
	}
}

// CloneSteps deep-copies a step slice.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// Clone returns a deep copy of t.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	out.Steps = CloneSteps(t.Steps)
	out.Artifacts = CloneArtifacts(t.Artifacts)
	return &out
}
