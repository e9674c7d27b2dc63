package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/livedata/internal/api"
	"github.com/rickgao/livedata/internal/model"
)

// ErrNotResolved is returned when a requested specification cannot be mapped
// to a native security key.
var ErrNotResolved = errors.New("specification not resolved")

// SpecResolver resolves requested specifications to fully qualified ones. A
// fully qualified specification carries exactly one identifier in the feed's
// native scheme and a concrete rule set id.
type SpecResolver interface {
	Resolve(ctx context.Context, requested model.LiveDataSpec) (model.LiveDataSpec, error)
}

// RuleSets reports whether a normalization rule set exists.
type RuleSets interface {
	DefaultID() string
	Has(id string) bool
}

// DomainResolver resolves specifications that already carry an identifier in
// the feed's native scheme.
type DomainResolver struct {
	Scheme   string
	RuleSets RuleSets
}

// NewDomainResolver creates a resolver for the given native scheme.
func NewDomainResolver(scheme string, ruleSets RuleSets) *DomainResolver {
	return &DomainResolver{Scheme: scheme, RuleSets: ruleSets}
}

func (r *DomainResolver) Resolve(_ context.Context, requested model.LiveDataSpec) (model.LiveDataSpec, error) {
	value, ok := requested.Identifier(r.Scheme)
	if !ok {
		return model.LiveDataSpec{}, fmt.Errorf("%w: no %s identifier in %v", ErrNotResolved, r.Scheme, requested)
	}
	ruleSet, err := qualifyRuleSet(r.RuleSets, requested.RuleSetID())
	if err != nil {
		return model.LiveDataSpec{}, err
	}
	return model.NewLiveDataSpec(ruleSet, model.NewExternalID(r.Scheme, value)), nil
}

func qualifyRuleSet(sets RuleSets, id string) (string, error) {
	if sets == nil {
		return id, nil
	}
	if id == "" {
		return sets.DefaultID(), nil
	}
	if !sets.Has(id) {
		return "", fmt.Errorf("%w: unknown rule set %q", ErrNotResolved, id)
	}
	return id, nil
}

// InstrumentLookup looks up reference data for one identifier.
type InstrumentLookup interface {
	LookupInstrument(ctx context.Context, scheme, value string) (*api.Instrument, error)
}

// RefDataResolver resolves any identifier through the reference data service.
// Identifiers in the native scheme short-circuit the lookup.
type RefDataResolver struct {
	scheme   string
	lookup   InstrumentLookup
	ruleSets RuleSets
	logger   *slog.Logger
}

// NewRefDataResolver creates a resolver backed by reference data.
func NewRefDataResolver(scheme string, lookup InstrumentLookup, ruleSets RuleSets, logger *slog.Logger) *RefDataResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefDataResolver{
		scheme:   scheme,
		lookup:   lookup,
		ruleSets: ruleSets,
		logger:   logger,
	}
}

func (r *RefDataResolver) Resolve(ctx context.Context, requested model.LiveDataSpec) (model.LiveDataSpec, error) {
	ruleSet, err := qualifyRuleSet(r.ruleSets, requested.RuleSetID())
	if err != nil {
		return model.LiveDataSpec{}, err
	}

	if value, ok := requested.Identifier(r.scheme); ok {
		return model.NewLiveDataSpec(ruleSet, model.NewExternalID(r.scheme, value)), nil
	}

	for _, id := range requested.IDs() {
		inst, err := r.lookup.LookupInstrument(ctx, id.Scheme, id.Value)
		if errors.Is(err, api.ErrInstrumentNotFound) {
			continue
		}
		if err != nil {
			return model.LiveDataSpec{}, fmt.Errorf("lookup %s: %w", id, err)
		}
		if !inst.Tradable() {
			r.logger.Debug("instrument not tradable", "id", id.String(), "status", inst.Status)
			continue
		}
		scheme := inst.Scheme
		if scheme == "" {
			scheme = r.scheme
		}
		return model.NewLiveDataSpec(ruleSet, model.NewExternalID(scheme, inst.SecurityKey)), nil
	}

	return model.LiveDataSpec{}, fmt.Errorf("%w: %v", ErrNotResolved, requested)
}
