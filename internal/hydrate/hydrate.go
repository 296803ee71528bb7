// Package hydrate renders customer data into compiled definitions.
//
// Every string of a definition may contain markup:
//
//	{{ name }}                               path lookup, missing renders as ""
//	{{ percent(financial.arr, 10) }}         helper call
//	{{#if gte(scores.risk, 60)}}..{{else}}..{{/if}}
//	{{#each contacts}}{{@index}}: {{this.name}} at {{name}}{{/each}}
//
// Expressions use a small fixed grammar (see parseExpr) evaluated by this
// package; nothing in a template can run code. Strings without markup are
// returned unchanged. Rendered output never contains markup, whether a
// delimiter comes from data or from a value meeting the surrounding text,
// so hydrating rendered output again is a no-op.
package hydrate

import (
	"errors"
	"fmt"
	"strings"

	"cs-workflows/backend/pkg/models"
)

// DefaultMaxDepth bounds artifact nesting, block nesting and expression
// nesting.
const DefaultMaxDepth = 32

var (
	// ErrTemplateDepthExceeded aborts hydration of a definition nested
	// deeper than the configured limit.
	ErrTemplateDepthExceeded = errors.New("template depth exceeded")
	// ErrTemplateSyntax reports malformed markup.
	ErrTemplateSyntax = errors.New("template syntax error")
)

func syntaxError(msg string) error {
	return fmt.Errorf("%w: %s", ErrTemplateSyntax, msg)
}

func depthError(limit int) error {
	return fmt.Errorf("%w: limit is %d", ErrTemplateDepthExceeded, limit)
}

// Hydrator renders definitions. It holds no state between calls and is
// safe for concurrent use.
type Hydrator struct {
	maxDepth int
}

// Option configures a Hydrator.
type Option func(*Hydrator)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(h *Hydrator) {
		if depth > 0 {
			h.maxDepth = depth
		}
	}
}

// New creates a Hydrator.
func New(opts ...Option) *Hydrator {
	h := &Hydrator{maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Render hydrates a single string.
func (h *Hydrator) Render(src string, snap models.Snapshot) (string, error) {
	return h.render(src, &scope{this: map[string]any(snap)})
}

func (h *Hydrator) render(src string, root *scope) (string, error) {
	if !strings.Contains(src, openDelim) {
		return src, nil
	}
	segs, err := parseTemplate(src, h.maxDepth)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	render(&sb, segs, root)
	return neutralize(sb.String()), nil
}

// Hydrate renders every string field of def against snap. def is not
// modified. Any error aborts the whole definition.
func (h *Hydrator) Hydrate(def *models.CompiledDefinition, snap models.Snapshot) (*models.RenderedDefinition, error) {
	w := &walker{h: h, root: &scope{this: map[string]any(snap)}}

	out := models.RenderedDefinition{
		TemplateID:      def.TemplateID,
		TemplateVersion: def.TemplateVersion,
		Category:        def.Category,
		CustomerID:      def.CustomerID,
		Applied:         append([]models.AppliedModification(nil), def.Applied...),
		Steps:           make([]models.Step, len(def.Steps)),
		Artifacts:       make([]models.Artifact, len(def.Artifacts)),
	}
	out.Name = w.str(def.Name)
	for i, s := range def.Steps {
		out.Steps[i] = w.step(s)
	}
	for i, a := range def.Artifacts {
		out.Artifacts[i] = w.artifact(a)
	}
	if w.err != nil {
		return nil, w.err
	}
	return &out, nil
}

// walker carries the first error so the traversal code stays linear.
type walker struct {
	h    *Hydrator
	root *scope
	err  error
}

func (w *walker) str(s string) string {
	if w.err != nil {
		return s
	}
	out, err := w.h.render(s, w.root)
	if err != nil {
		w.err = err
		return s
	}
	return out
}

func (w *walker) strs(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = w.str(s)
	}
	return out
}

func (w *walker) step(s models.Step) models.Step {
	out := models.Step{ID: s.ID, Title: w.str(s.Title)}
	switch p := s.Payload.(type) {
	case models.PromptPayload:
		out.Payload = models.PromptPayload{Text: w.str(p.Text)}
	case models.ChecklistPayload:
		out.Payload = models.ChecklistPayload{Items: w.strs(p.Items)}
	case models.ActionPayload:
		out.Payload = models.ActionPayload{ActionType: p.ActionType, Description: w.str(p.Description)}
	case models.DecisionPayload:
		out.Payload = models.DecisionPayload{Question: w.str(p.Question), Options: w.strs(p.Options)}
	case nil:
	default:
		w.fail(fmt.Errorf("step %s: unsupported payload %T", s.ID, p))
	}
	return out
}

func (w *walker) artifact(a models.Artifact) models.Artifact {
	return models.Artifact{
		ID:      a.ID,
		Title:   w.str(a.Title),
		Kind:    a.Kind,
		Content: w.node(a.Content, 1),
	}
}

func (w *walker) node(n models.Node, depth int) models.Node {
	if n == nil || w.err != nil {
		return n
	}
	if depth > w.h.maxDepth {
		w.fail(depthError(w.h.maxDepth))
		return n
	}
	switch t := n.(type) {
	case models.TextNode:
		return models.TextNode{Text: w.str(t.Text)}
	case models.ListNode:
		return models.ListNode{Items: w.nodes(t.Items, depth+1)}
	case models.SectionNode:
		return models.SectionNode{Heading: w.str(t.Heading), Children: w.nodes(t.Children, depth+1)}
	}
	w.fail(fmt.Errorf("unsupported artifact node %T", n))
	return n
}

func (w *walker) nodes(in []models.Node, depth int) []models.Node {
	if in == nil {
		return nil
	}
	out := make([]models.Node, len(in))
	for i, n := range in {
		out[i] = w.node(n, depth)
	}
	return out
}

func (w *walker) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}
