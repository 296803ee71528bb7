package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Scope decides which customers a modification applies to and how late it
// is applied relative to other modifications.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeCompany  Scope = "company"
	ScopeCustomer Scope = "customer"
)

// Rank orders scopes from broadest to most specific. Modifications are
// applied in ascending rank so narrower scopes override broader ones.
func (s Scope) Rank() int {
	switch s {
	case ScopeGlobal:
		return 0
	case ScopeCompany:
		return 1
	case ScopeCustomer:
		return 2
	}
	return -1
}

// OperationKind tags an Operation variant.
type OperationKind string

const (
	OpInsertStep  OperationKind = "insert_step"
	OpRemoveStep  OperationKind = "remove_step"
	OpReplaceStep OperationKind = "replace_step"
	OpAddArtifact OperationKind = "add_artifact"
)

// Operation is the delta a modification applies to a template. The set of
// implementations is closed: InsertStep, RemoveStep, ReplaceStep and
// AddArtifact.
type Operation interface {
	OperationKind() OperationKind
	validate() error
}

// InsertStep inserts Steps at Index, or directly after/before an anchor
// step. With no position the steps are appended.
type InsertStep struct {
	Steps  []Step `json:"steps"`
	Index  *int   `json:"index,omitempty"`
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
}

// RemoveStep removes the step with StepID. Removing an absent step is a no-op.
type RemoveStep struct {
	StepID string `json:"step_id"`
}

// ReplaceStep swaps the step with StepID for Step. Replacing an absent step
// is a no-op.
type ReplaceStep struct {
	StepID string `json:"step_id"`
	Step   Step   `json:"step"`
}

// AddArtifact appends an artifact to the definition.
type AddArtifact struct {
	Artifact Artifact `json:"artifact"`
}

func (InsertStep) OperationKind() OperationKind  { return OpInsertStep }
func (RemoveStep) OperationKind() OperationKind  { return OpRemoveStep }
func (ReplaceStep) OperationKind() OperationKind { return OpReplaceStep }
func (AddArtifact) OperationKind() OperationKind { return OpAddArtifact }

func (o InsertStep) validate() error {
	if len(o.Steps) == 0 {
		return fmt.Errorf("insert_step needs at least one step")
	}
	if o.After != "" && o.Before != "" {
		return fmt.Errorf("insert_step takes either after or before, not both")
	}
	if o.Index != nil && (o.After != "" || o.Before != "") {
		return fmt.Errorf("insert_step takes either an index or an anchor, not both")
	}
	for _, s := range o.Steps {
		if s.ID == "" || s.Payload == nil {
			return fmt.Errorf("insert_step steps need an id and a payload")
		}
	}
	return nil
}

func (o RemoveStep) validate() error {
	if o.StepID == "" {
		return fmt.Errorf("remove_step needs step_id")
	}
	return nil
}

func (o ReplaceStep) validate() error {
	if o.StepID == "" {
		return fmt.Errorf("replace_step needs step_id")
	}
	if o.Step.Payload == nil {
		return fmt.Errorf("replace_step needs a step payload")
	}
	return nil
}

func (o AddArtifact) validate() error {
	if o.Artifact.ID == "" {
		return fmt.Errorf("add_artifact needs an artifact id")
	}
	return nil
}

// Modification is a scoped delta against one template.
type Modification struct {
	ID         string
	TemplateID string
	Scope      Scope
	// AppliesTo is the company id for company scope and the customer id for
	// customer scope. It is empty for global scope.
	AppliesTo string
	// Condition is a boolean expression over the customer snapshot. An empty
	// condition always matches.
	Condition string
	Operation Operation
	CreatedAt time.Time
}

// Validate checks the scope/target invariant and the operation payload.
func (m Modification) Validate() error {
	switch m.Scope {
	case ScopeGlobal:
		if m.AppliesTo != "" {
			return fmt.Errorf("%w: global modification %s must not target %q", ErrInvalidModification, m.ID, m.AppliesTo)
		}
	case ScopeCompany, ScopeCustomer:
		if m.AppliesTo == "" {
			return fmt.Errorf("%w: %s modification %s needs a target id", ErrInvalidModification, m.Scope, m.ID)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidModification, m.Scope)
	}
	if m.TemplateID == "" {
		return fmt.Errorf("%w: modification %s has no template", ErrInvalidModification, m.ID)
	}
	if m.Operation == nil {
		return fmt.Errorf("%w: modification %s has no operation", ErrInvalidModification, m.ID)
	}
	if err := m.Operation.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModification, err)
	}
	return nil
}

type operationJSON struct {
	Kind    OperationKind   `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalOperation encodes an operation as {"kind": ..., "payload": {...}}.
func MarshalOperation(op Operation) ([]byte, error) {
	if op == nil {
		return []byte("null"), nil
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationJSON{Kind: op.OperationKind(), Payload: payload})
}

// UnmarshalOperation decodes the tagged form produced by MarshalOperation.
func UnmarshalOperation(data []byte) (Operation, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var in operationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if len(in.Payload) == 0 {
		in.Payload = []byte("{}")
	}
	switch in.Kind {
	case OpInsertStep:
		var op InsertStep
		err := json.Unmarshal(in.Payload, &op)
		return op, err
	case OpRemoveStep:
		var op RemoveStep
		err := json.Unmarshal(in.Payload, &op)
		return op, err
	case OpReplaceStep:
		var op ReplaceStep
		err := json.Unmarshal(in.Payload, &op)
		return op, err
	case OpAddArtifact:
		var op AddArtifact
		err := json.Unmarshal(in.Payload, &op)
		return op, err
	default:
		return nil, fmt.Errorf("unknown operation kind %q", in.Kind)
	}
}

type modificationJSON struct {
	ID         string          `json:"id"`
	TemplateID string          `json:"template_id"`
	Scope      Scope           `json:"scope"`
	AppliesTo  string          `json:"applies_to,omitempty"`
	Condition  string          `json:"condition,omitempty"`
	Operation  json.RawMessage `json:"operation"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (m Modification) MarshalJSON() ([]byte, error) {
	op, err := MarshalOperation(m.Operation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(modificationJSON{
		ID:         m.ID,
		TemplateID: m.TemplateID,
		Scope:      m.Scope,
		AppliesTo:  m.AppliesTo,
		Condition:  m.Condition,
		Operation:  op,
		CreatedAt:  m.CreatedAt,
	})
}

func (m *Modification) UnmarshalJSON(data []byte) error {
	var in modificationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	op, err := UnmarshalOperation(in.Operation)
	if err != nil {
		return fmt.Errorf("modification %q: %w", in.ID, err)
	}
	*m = Modification{
		ID:         in.ID,
		TemplateID: in.TemplateID,
		Scope:      in.Scope,
		AppliesTo:  in.AppliesTo,
		Condition:  in.Condition,
		Operation:  op,
		CreatedAt:  in.CreatedAt,
	}
	return nil
}
