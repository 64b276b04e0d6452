package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/ledger"
)

// Resolver walks upline references through a read-only view of the store.
type Resolver struct {
	users ledger.UserReader
}

// NewResolver constructs a Resolver over the supplied reader.
func NewResolver(users ledger.UserReader) *Resolver {
	return &Resolver{users: users}
}

// ResolveUpline returns the chain above uid, nearest referrer first, holding
// at most maxDepth nodes. The walk stops early at the root sentinel.
func (r *Resolver) ResolveUpline(ctx context.Context, uid string, maxDepth int) ([]domain.UserNode, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	start, err := r.users.GetUser(ctx, uid)
	if err != nil {
		return nil, err
	}

	visited := map[string]struct{}{start.UID: {}}
	chain := make([]domain.UserNode, 0, maxDepth)
	next := start.UplineUID

	for len(chain) < maxDepth && next != domain.RootSentinel {
		if _, seen := visited[next]; seen {
			return nil, fmt.Errorf("uid %s reappears above %s: %w", next, uid, domain.ErrCycleDetected)
		}
		visited[next] = struct{}{}

		node, err := r.users.GetUser(ctx, next)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("upline %s of %s: %w", next, uid, domain.ErrDanglingReference)
			}
			return nil, err
		}
		chain = append(chain, node)
		next = node.UplineUID
	}
	return chain, nil
}
