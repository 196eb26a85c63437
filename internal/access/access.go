// Package access decides whether an actor may move a batch to a stage.
//
// Decisions combine the identity registry (does the actor hold the claimed
// role?) with the stage transition table (may that role make this move?).
// Authorize has no side effects.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/batchledger/internal/identity"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  model.DenyReason
	ActorID string
	Role    model.Role
	Stage   model.Stage
}

// Err returns nil for allowed decisions and an *model.AuthorizationError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &model.AuthorizationError{Reason: d.Reason, ActorID: d.ActorID, Role: d.Role, Stage: d.Stage}
}

// Controller evaluates authorization decisions against a Registry.
type Controller struct {
	registry identity.Registry
}

// NewController creates a Controller.
func NewController(registry identity.Registry) *Controller {
	return &Controller{registry: registry}
}

// Authorize decides whether actorID acting as role may move the batch at
// head to proposed. The move must already be valid for the state machine.
// A non-nil error means the registry itself failed.
func (c *Controller) Authorize(ctx context.Context, actorID string, role model.Role, head model.Head, proposed model.Stage) (Decision, error) {
	return c.decide(ctx, actorID, role, proposed, AllowedRoles(head.CurrentStage, proposed))
}

// AuthorizeCreate decides whether actorID acting as role may open a new batch.
func (c *Controller) AuthorizeCreate(ctx context.Context, actorID string, role model.Role) (Decision, error) {
	return c.decide(ctx, actorID, role, model.StageCreated, CreateRoles)
}

func (c *Controller) decide(ctx context.Context, actorID string, role model.Role, proposed model.Stage, allowed []model.Role) (Decision, error) {
	d := Decision{ActorID: actorID, Role: role, Stage: proposed}

	held, err := c.registry.Roles(ctx, actorID)
	if errors.Is(err, identity.ErrUnknownActor) {
		d.Reason = model.DenyUnknownActor
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("resolve actor roles: %w", err)
	}

	if !contains(held, role) {
		d.Reason = model.DenyRoleMismatch
		return d, nil
	}
	if !contains(allowed, role) {
		d.Reason = model.DenyTransitionNotAllowed
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

func contains(roles []model.Role, r model.Role) bool {
	for _, have := range roles {
		if have == r {
			return true
		}
	}
	return false
}
