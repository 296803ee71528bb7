package compiler

import (
	"sort"

	"cs-workflows/backend/pkg/models"
)

// SortModifications orders mods the way they are applied: broadest scope
// first, then by creation time, then by id. Within a scope the most
// recently created modification is applied last and so wins.
func SortModifications(mods []models.Modification) {
	sort.SliceStable(mods, func(i, j int) bool {
		a, b := mods[i], mods[j]
		if ra, rb := a.Scope.Rank(), b.Scope.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Merge applies mods to tmpl for one customer. It does not filter mods by
// scope or condition; callers pass the resolved set. mods is not modified
// and tmpl is deep-copied, so Merge is a pure function of its inputs.
func Merge(tmpl *models.Template, customerID string, mods []models.Modification) *models.CompiledDefinition {
	ordered := append([]models.Modification(nil), mods...)
	SortModifications(ordered)

	def := &models.CompiledDefinition{
		TemplateID:      tmpl.TemplateID,
		TemplateVersion: tmpl.Version,
		Name:            tmpl.Name,
		Category:        tmpl.Category,
		CustomerID:      customerID,
		Steps:           models.CloneSteps(tmpl.Steps),
		Artifacts:       models.CloneArtifacts(tmpl.Artifacts),
		Applied:         make([]models.AppliedModification, 0, len(ordered)),
	}
	if def.Steps == nil {
		def.Steps = []models.Step{}
	}
	if def.Artifacts == nil {
		def.Artifacts = []models.Artifact{}
	}

	for _, m := range ordered {
		if m.Operation == nil {
			continue
		}
		var effect models.Effect
		switch op := m.Operation.(type) {
		case models.InsertStep:
			def.Steps, effect = insertSteps(def.Steps, op)
		case models.RemoveStep:
			def.Steps, effect = removeStep(def.Steps, op)
		case models.ReplaceStep:
			def.Steps, effect = replaceStep(def.Steps, op)
		case models.AddArtifact:
			def.Artifacts, effect = addArtifact(def.Artifacts, op)
		default:
			continue
		}
		def.Applied = append(def.Applied, models.AppliedModification{
			ModificationID: m.ID,
			Scope:          m.Scope,
			Operation:      m.Operation.OperationKind(),
			Effect:         effect,
		})
	}
	return def
}

func indexOfStep(steps []models.Step, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// insertSteps places op.Steps at the requested position. Existing steps
// sharing an id with an inserted one are dropped first. An unknown anchor
// appends.
func insertSteps(steps []models.Step, op models.InsertStep) ([]models.Step, models.Effect) {
	incoming := models.CloneSteps(op.Steps)
	if len(incoming) == 0 {
		return steps, models.EffectNoop
	}
	ids := make(map[string]struct{}, len(incoming))
	for _, s := range incoming {
		ids[s.ID] = struct{}{}
	}
	kept := make([]models.Step, 0, len(steps)+len(incoming))
	for _, s := range steps {
		if _, dup := ids[s.ID]; !dup {
			kept = append(kept, s)
		}
	}

	pos := len(kept)
	switch {
	case op.Index != nil:
		pos = min(max(*op.Index, 0), len(kept))
	case op.After != "":
		if i := indexOfStep(kept, op.After); i >= 0 {
			pos = i + 1
		}
	case op.Before != "":
		if i := indexOfStep(kept, op.Before); i >= 0 {
			pos = i
		}
	}

	out := make([]models.Step, 0, len(kept)+len(incoming))
	out = append(out, kept[:pos]...)
	out = append(out, incoming...)
	out = append(out, kept[pos:]...)
	return out, models.EffectApplied
}

func removeStep(steps []models.Step, op models.RemoveStep) ([]models.Step, models.Effect) {
	i := indexOfStep(steps, op.StepID)
	if i < 0 {
		return steps, models.EffectNoop
	}
	out := make([]models.Step, 0, len(steps)-1)
	out = append(out, steps[:i]...)
	out = append(out, steps[i+1:]...)
	return out, models.EffectApplied
}

// replaceStep swaps the step in place. The replacement keeps the old id
// unless it brings its own; another step already holding that id is dropped.
func replaceStep(steps []models.Step, op models.ReplaceStep) ([]models.Step, models.Effect) {
	i := indexOfStep(steps, op.StepID)
	if i < 0 {
		return steps, models.EffectNoop
	}
	next := op.Step.Clone()
	if next.ID == "" {
		next.ID = op.StepID
	}
	out := make([]models.Step, 0, len(steps))
	for j, s := range steps {
		switch {
		case j == i:
			out = append(out, next)
		case s.ID == next.ID:
		default:
			out = append(out, s)
		}
	}
	return out, models.EffectApplied
}

func addArtifact(artifacts []models.Artifact, op models.AddArtifact) ([]models.Artifact, models.Effect) {
	a := op.Artifact.Clone()
	out := models.CloneArtifacts(artifacts)
	for i := range out {
		if out[i].ID == a.ID {
			out[i] = a
			return out, models.EffectApplied
		}
	}
	return append(out, a), models.EffectApplied
}
