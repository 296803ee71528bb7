// Package compiler assembles the customer-specific version of a template.
//
// A Resolver picks the modifications of a template that apply to a
// customer snapshot. Merge layers them onto the base template in scope
// order (global, company, customer), and Compiler ties the two together
// with the template store.
package compiler

import (
	"context"
	"errors"
	"fmt"

	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/pkg/models"
)

// ErrTemplateNotFound is returned when the base template does not exist.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateGetter loads the latest version of a template.
type TemplateGetter interface {
	GetTemplate(ctx context.Context, templateID string) (*models.Template, error)
}

// ModificationLister lists the modifications registered for a template.
type ModificationLister interface {
	ListModifications(ctx context.Context, templateID string) ([]models.Modification, error)
}

// ConditionEvaluator decides whether a modification predicate holds.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expr string, snap models.Snapshot) (bool, error)
}

// SkipFunc is told about every modification dropped because it is invalid
// or its condition failed to evaluate.
type SkipFunc func(ctx context.Context, m models.Modification, err error)

// Resolver selects applicable modifications.
type Resolver struct {
	mods   ModificationLister
	cond   ConditionEvaluator
	logger *logging.Logger
	onSkip SkipFunc
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l *logging.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithSkipHook registers a callback for skipped modifications.
func WithSkipHook(fn SkipFunc) ResolverOption {
	return func(r *Resolver) { r.onSkip = fn }
}

// NewResolver creates a resolver.
func NewResolver(mods ModificationLister, cond ConditionEvaluator, opts ...ResolverOption) *Resolver {
	r := &Resolver{mods: mods, cond: cond, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Component("resolver")
	return r
}

// ScopeMatches reports whether m targets the customer in snap. Global
// modifications always match.
func ScopeMatches(m models.Modification, snap models.Snapshot) bool {
	switch m.Scope {
	case models.ScopeGlobal:
		return true
	case models.ScopeCompany:
		return m.AppliesTo != "" && m.AppliesTo == snap.CompanyID()
	case models.ScopeCustomer:
		return m.AppliesTo != "" && m.AppliesTo == snap.ID()
	}
	return false
}

// Resolve returns the modifications of templateID whose scope matches snap
// and whose condition holds, in application order. Invalid modifications
// and conditions that fail to evaluate are logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, templateID string, snap models.Snapshot) ([]models.Modification, error) {
	all, err := r.mods.ListModifications(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modifications of %s: %w", templateID, err)
	}

	matched := make([]models.Modification, 0, len(all))
	for _, m := range all {
		if err := m.Validate(); err != nil {
			r.skip(ctx, m, err)
			continue
		}
		if !ScopeMatches(m, snap) {
			continue
		}
		ok, err := r.cond.Evaluate(ctx, m.Condition, snap)
		if err != nil {
			r.skip(ctx, m, err)
			continue
		}
		if ok {
			matched = append(matched, m)
		}
	}
	SortModifications(matched)
	return matched, nil
}

func (r *Resolver) skip(ctx context.Context, m models.Modification, err error) {
	r.logger.Warn("skipping modification",
		"modification_id", m.ID,
		"template_id", m.TemplateID,
		"scope", m.Scope,
		"error", err,
	)
	if r.onSkip != nil {
		r.onSkip(ctx, m, err)
	}
}

// Compiler produces compiled definitions.
type Compiler struct {
	templates TemplateGetter
	resolver  *Resolver
}

// NewCompiler creates a compiler.
func NewCompiler(templates TemplateGetter, resolver *Resolver) *Compiler {
	return &Compiler{templates: templates, resolver: resolver}
}

// Compile merges the latest version of templateID with the modifications
// that apply to snap.
func (c *Compiler) Compile(ctx context.Context, templateID string, snap models.Snapshot) (*models.CompiledDefinition, error) {
	tmpl, err := c.templates.GetTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
		}
		return nil, fmt.Errorf("failed to load template %s: %w", templateID, err)
	}
	return c.CompileTemplate(ctx, tmpl, snap)
}

// CompileTemplate is Compile for an already loaded template version.
func (c *Compiler) CompileTemplate(ctx context.Context, tmpl *models.Template, snap models.Snapshot) (*models.CompiledDefinition, error) {
	mods, err := c.resolver.Resolve(ctx, tmpl.TemplateID, snap)
	if err != nil {
		return nil, err
	}
	return Merge(tmpl, snap.ID(), mods), nil
}
