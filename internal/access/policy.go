// Package access decides whether a caller may touch a patient-owned record.
// There is exactly one rule; resource kinds differ only in how the owning
// patient is looked up.
package access

import (
	"context"
	"errors"
	"fmt"

	"eyecare/api/internal/models"
)

var (
	ErrDenied   = errors.New("access denied")
	ErrNotFound = errors.New("resource not found")
	ErrNoLookup = errors.New("no owner lookup registered")
)

type Kind string

const (
	KindCase       Kind = "case"
	KindImage      Kind = "image"
	KindMedication Kind = "medication"
	KindVisionTest Kind = "vision_test"
)

// Allows is the ownership rule: staff see everything, a patient sees only
// their own records.
func Allows(requester models.Identity, ownerPatientID string) bool {
	switch requester.Role {
	case models.RoleDoctor, models.RoleAdmin:
		return true
	case models.RolePatient:
		return requester.ID != "" && requester.ID == ownerPatientID
	default:
		return false
	}
}

// OwnerLookup returns the owning patient id of a resource, or ErrNotFound.
type OwnerLookup func(ctx context.Context, resourceID string) (string, error)

type Decision struct {
	Requester  models.Identity
	Kind       Kind
	ResourceID string
	OwnerID    string
	Allowed    bool
	Found      bool
}

// Observer receives every decision; the audit recorder implements it.
type Observer interface {
	Observe(ctx context.Context, d Decision)
}

type Guard struct {
	lookups   map[Kind]OwnerLookup
	observers []Observer
}

func NewGuard(observers ...Observer) *Guard {
	return &Guard{
		lookups:   make(map[Kind]OwnerLookup),
		observers: observers,
	}
}

// Register binds the owner lookup for kind. Registering twice replaces the
// previous lookup.
func (g *Guard) Register(kind Kind, lookup OwnerLookup) *Guard {
	g.lookups[kind] = lookup
	return g
}

func (g *Guard) Kinds() []Kind {
	kinds := make([]Kind, 0, len(g.lookups))
	for k := range g.lookups {
		kinds = append(kinds, k)
	}
	return kinds
}

// Authorize returns nil, ErrNotFound or ErrDenied. Lookup failures other
// than ErrNotFound are returned wrapped.
func (g *Guard) Authorize(ctx context.Context, requester models.Identity, kind Kind, resourceID string) error {
	_, err := g.Owner(ctx, requester, kind, resourceID)
	return err
}

// Owner is Authorize that also hands back the owning patient id.
func (g *Guard) Owner(ctx context.Context, requester models.Identity, kind Kind, resourceID string) (string, error) {
	lookup, ok := g.lookups[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoLookup, kind)
	}

	decision := Decision{
		Requester:  requester,
		Kind:       kind,
		ResourceID: resourceID,
	}

	owner, err := lookup(ctx, resourceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			g.notify(ctx, decision)
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup %s owner: %w", kind, err)
	}

	decision.Found = true
	decision.OwnerID = owner
	decision.Allowed = Allows(requester, owner)
	g.notify(ctx, decision)

	if !decision.Allowed {
		return "", ErrDenied
	}
	return owner, nil
}

func (g *Guard) notify(ctx context.Context, d Decision) {
	for _, o := range g.observers {
		o.Observe(ctx, d)
	}
}
