package models

// Effect records what a modification did when it was applied.
type Effect string

const (
	EffectApplied Effect = "applied"
	EffectNoop    Effect = "noop"
)

// AppliedModification is one provenance entry of a compiled definition.
type AppliedModification struct {
	ModificationID string        `json:"modification_id"`
	Scope          Scope         `json:"scope"`
	Operation      OperationKind `json:"operation"`
	Effect         Effect        `json:"effect"`
}

// CompiledDefinition is a template merged with the modifications that
// matched one customer. It is not persisted; it can always be recomputed
// from the template, the modification set and the snapshot.
type CompiledDefinition struct {
	TemplateID      string                `json:"template_id"`
	TemplateVersion int                   `json:"template_version"`
	Name            string                `json:"name"`
	Category        Category              `json:"category"`
	CustomerID      string                `json:"customer_id"`
	Steps           []Step                `json:"steps"`
	Artifacts       []Artifact            `json:"artifacts"`
	Applied         []AppliedModification `json:"applied"`
}

// RenderedDefinition is a compiled definition with customer data substituted
// into every string field.
type RenderedDefinition CompiledDefinition
