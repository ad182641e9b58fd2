package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is the subset of *pgxpool.Pool used here, so tests can stub it.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository resolves routes from the agent_routes table:
//
//	CREATE TABLE agent_routes (
//	    agent_type   TEXT PRIMARY KEY,
//	    endpoint_url TEXT NOT NULL,
//	    enabled      BOOLEAN NOT NULL DEFAULT TRUE
//	);
type Repository struct {
	db rowQuerier
}

var _ Resolver = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

func (r *Repository) Resolve(ctx context.Context, agentType string) (string, error) {
	var url string
	err := r.db.QueryRow(ctx, `
		SELECT endpoint_url
		FROM agent_routes
		WHERE agent_type = $1 AND enabled
	`, normalizeAgentType(agentType)).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("resolve %q: %w", agentType, ErrUnknownAgent)
	}
	if err != nil {
		return "", fmt.Errorf("query agent route %q: %w", agentType, err)
	}
	return url, nil
}
