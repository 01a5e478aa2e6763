package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rsprolipsi/sigma-engine/generic"
)

// =============================================================================
// PROVIDER - Plan lookup by date
// =============================================================================

// Provider resolves the plan in force at an instant. Implementations must
// return a snapshot the caller may keep for a whole evaluation.
type Provider interface {
	PlanAsOf(ctx context.Context, at generic.TimePoint) (*Plan, error)
}

// VersionStore persists published plan versions (append-only).
type VersionStore interface {
	SavePlanVersion(ctx context.Context, version generic.PlanVersion, effectiveFrom generic.TimePoint, body []byte) error
	LoadPlanVersions(ctx context.Context) ([][]byte, error)
}

// VersionedProvider keeps every published version in memory, ordered by
// EffectiveFrom. Publishing never edits an existing version.
type VersionedProvider struct {
	mu       sync.RWMutex
	versions []*Plan
}

// NewVersionedProvider validates and publishes the given plans.
func NewVersionedProvider(plans ...*Plan) (*VersionedProvider, error) {
	vp := &VersionedProvider{}
	for _, p := range plans {
		if err := vp.Publish(p); err != nil {
			return nil, err
		}
	}
	return vp, nil
}

// Publish adds a new version. Reusing a version name or an effective date
// already taken by another version is rejected.
func (vp *VersionedProvider) Publish(p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	vp.mu.Lock()
	defer vp.mu.Unlock()

	for _, existing := range vp.versions {
		if existing.Version == p.Version {
			return &generic.PlanError{Version: p.Version, Field: "version", Reason: "already published"}
		}
		if existing.EffectiveFrom.Equal(p.EffectiveFrom) {
			return &generic.PlanError{Version: p.Version, Field: "effective_from",
				Reason: fmt.Sprintf("same instant as version %s", existing.Version)}
		}
	}
	vp.versions = append(vp.versions, p.Clone())
	sort.Slice(vp.versions, func(i, j int) bool {
		return vp.versions[i].EffectiveFrom.Before(vp.versions[j].EffectiveFrom)
	})
	return nil
}

// PlanAsOf returns a copy of the latest version effective at or before at.
func (vp *VersionedProvider) PlanAsOf(_ context.Context, at generic.TimePoint) (*Plan, error) {
	vp.mu.RLock()
	defer vp.mu.RUnlock()

	for i := len(vp.versions) - 1; i >= 0; i-- {
		if !vp.versions[i].EffectiveFrom.After(at.Time) {
			return vp.versions[i].Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no version effective at %s", generic.ErrPlanNotFound, at)
}

// Version returns a published version by name.
func (vp *VersionedProvider) Version(name generic.PlanVersion) (*Plan, error) {
	vp.mu.RLock()
	defer vp.mu.RUnlock()

	for _, p := range vp.versions {
		if p.Version == name {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: version %s", generic.ErrPlanNotFound, name)
}

// Versions lists every published version, oldest first.
func (vp *VersionedProvider) Versions() []*Plan {
	vp.mu.RLock()
	defer vp.mu.RUnlock()

	out := make([]*Plan, len(vp.versions))
	for i, p := range vp.versions {
		out[i] = p.Clone()
	}
	return out
}

// LoadFrom publishes every version persisted in store.
func (vp *VersionedProvider) LoadFrom(ctx context.Context, store VersionStore) error {
	bodies, err := store.LoadPlanVersions(ctx)
	if err != nil {
		return fmt.Errorf("load plan versions: %w", err)
	}
	for _, body := range bodies {
		p, err := Parse(FormatJSON, body)
		if err != nil {
			return err
		}
		if _, err := vp.Version(p.Version); err == nil {
			continue
		}
		if err := vp.Publish(p); err != nil {
			return err
		}
	}
	return nil
}

// PublishAndSave persists a version, then makes it visible to lookups.
func (vp *VersionedProvider) PublishAndSave(ctx context.Context, store VersionStore, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := vp.Version(p.Version); err == nil {
		return &generic.PlanError{Version: p.Version, Field: "version", Reason: "already published"}
	}
	body, err := Marshal(p)
	if err != nil {
		return err
	}
	if err := store.SavePlanVersion(ctx, p.Version, generic.At(p.EffectiveFrom), body); err != nil {
		return err
	}
	return vp.Publish(p)
}
