package engine

import (
	"context"

	"github.com/dukex/maestro/pkg/models"
)

// Tree queries are recomputed on every relevant event rather than cached
// in denormalized counters: a query per event buys correctness under
// concurrent child mutation.

// allChildrenReady reports whether no direct child is still pending.
func (s *Server) allChildrenReady(ctx context.Context, parent models.Ref) (bool, error) {
	children, err := s.store.Nodes().Children(ctx, parent)
	if err != nil {
		return false, err
	}

	for _, child := range children {
		if child.CurrentServerStatus == models.ServerStatusPending {
			return false, nil
		}
	}

	return true, nil
}

// notCompleteChildren returns the direct children that are neither
// complete nor deactivated, in ascending seq order.
func (s *Server) notCompleteChildren(ctx context.Context, parent models.Ref) ([]*models.Node, error) {
	children, err := s.store.Nodes().Children(ctx, parent)
	if err != nil {
		return nil, err
	}

	remaining := make([]*models.Node, 0, len(children))

	for _, child := range children {
		if child.CurrentServerStatus.Terminal() {
			continue
		}

		remaining = append(remaining, child)
	}

	return remaining, nil
}

// allChildrenComplete reports whether every non-fire_and_forget child is
// complete or deactivated. Fire-and-forget children may stay outstanding
// forever without blocking parent completion.
func (s *Server) allChildrenComplete(ctx context.Context, parent models.Ref) (bool, error) {
	remaining, err := s.notCompleteChildren(ctx, parent)
	if err != nil {
		return false, err
	}

	for _, child := range remaining {
		if child.Mode != models.NodeModeFireAndForget {
			return false, nil
		}
	}

	return true, nil
}
