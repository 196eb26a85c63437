package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// ErrUnknownActor is returned when an actor is not registered.
var ErrUnknownActor = errors.New("unknown actor")

// Registry maps actor identifiers to the roles they legitimately hold.
type Registry interface {
	// Roles returns the actor's roles, or ErrUnknownActor.
	Roles(ctx context.Context, actorID string) ([]model.Role, error)
}

// StaticRegistry is an in-memory Registry, typically loaded from configuration.
type StaticRegistry struct {
	mu     sync.RWMutex
	actors map[string][]model.Role
}

// NewStaticRegistry creates an empty StaticRegistry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{actors: make(map[string][]model.Role)}
}

// Grant adds roles to an actor, registering it if needed.
func (r *StaticRegistry) Grant(actorID string, roles ...model.Role) error {
	if actorID == "" {
		return fmt.Errorf("actor id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.actors[actorID]
	for _, role := range roles {
		if !role.Valid() {
			return fmt.Errorf("actor %s: unknown role %q", actorID, role)
		}
		if !containsRole(existing, role) {
			existing = append(existing, role)
		}
	}
	r.actors[actorID] = existing
	return nil
}

// Roles implements Registry.
func (r *StaticRegistry) Roles(_ context.Context, actorID string) ([]model.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles, ok := r.actors[actorID]
	if !ok {
		return nil, ErrUnknownActor
	}
	out := make([]model.Role, len(roles))
	copy(out, roles)
	return out, nil
}

// ActorConfig is the configuration form of one registered actor.
type ActorConfig struct {
	ID    string   `mapstructure:"id"`
	Roles []string `mapstructure:"roles"`
}

// LoadStatic builds a StaticRegistry from configuration entries.
func LoadStatic(actors []ActorConfig) (*StaticRegistry, error) {
	reg := NewStaticRegistry()
	for _, a := range actors {
		roles := make([]model.Role, 0, len(a.Roles))
		for _, r := range a.Roles {
			roles = append(roles, model.Role(r))
		}
		if err := reg.Grant(a.ID, roles...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func containsRole(roles []model.Role, r model.Role) bool {
	for _, have := range roles {
		if have == r {
			return true
		}
	}
	return false
}
