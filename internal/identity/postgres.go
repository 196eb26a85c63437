package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// PostgresRegistry reads actor roles from the actors / actor_roles tables.
type PostgresRegistry struct {
	db *pgxpool.Pool
}

// NewPostgresRegistry creates a PostgresRegistry.
func NewPostgresRegistry(db *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Roles implements Registry.
func (r *PostgresRegistry) Roles(ctx context.Context, actorID string) ([]model.Role, error) {
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM actors WHERE actor_id = $1 AND disabled = false)`, actorID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup actor: %w", err)
	}
	if !exists {
		return nil, ErrUnknownActor
	}

	rows, err := r.db.Query(ctx,
		`SELECT role FROM actor_roles WHERE actor_id = $1 ORDER BY role`, actorID)
	if err != nil {
		return nil, fmt.Errorf("query actor roles: %w", err)
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan actor role: %w", err)
		}
		roles = append(roles, model.Role(role))
	}
	return roles, rows.Err()
}

// Grant registers an actor (if new) and adds roles to it.
func (r *PostgresRegistry) Grant(ctx context.Context, actorID, displayName string, roles ...model.Role) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO actors (actor_id, display_name) VALUES ($1, $2)
		 ON CONFLICT (actor_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		actorID, displayName,
	); err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}
	for _, role := range roles {
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", role)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO actor_roles (actor_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			actorID, string(role),
		); err != nil {
			return fmt.Errorf("grant role %s: %w", role, err)
		}
	}
	return tx.Commit(ctx)
}
