// Package registry resolves an agent type to the network address of the agent serving it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAgent is returned when no source has a route for the agent type.
var ErrUnknownAgent = errors.New("unknown agent type")

// Resolver maps an agent type to its endpoint URL.
type Resolver interface {
	Resolve(ctx context.Context, agentType string) (string, error)
}

// Chain tries each resolver in order and returns the first route found.
// Only ErrUnknownAgent moves on to the next source; other errors are returned.
type Chain []Resolver

var _ Resolver = Chain(nil)

func (c Chain) Resolve(ctx context.Context, agentType string) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		url, err := r.Resolve(ctx, agentType)
		if err == nil {
			return url, nil
		}
		if !errors.Is(err, ErrUnknownAgent) {
			return "", err
		}
	}
	return "", fmt.Errorf("resolve %q: %w", agentType, ErrUnknownAgent)
}

// normalizeAgentType trims surrounding space; agent types are otherwise case-sensitive keys.
func normalizeAgentType(agentType string) string {
	return strings.TrimSpace(agentType)
}
