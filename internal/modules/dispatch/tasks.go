package dispatch

import (
	"context"
	"fmt"

	"waypoint/internal/modules/privacy"
	"waypoint/internal/types"
)

// TaskDirectory answers whether a participant takes part in a task as its
// poster or an assigned worker. tracking.Store implements it.
type TaskDirectory interface {
	IsTaskParticipant(ctx context.Context, taskID, participantID types.ID) (bool, error)
}

// requireTaskParticipant admits viewerID to the task context of taskID. A
// viewer tracking the task is a participant; anyone else must be listed by the
// directory. Without a directory only trackers are admitted.
func (s *Service) requireTaskParticipant(ctx context.Context, taskID, viewerID types.ID) error {
	if _, ok := s.tracking.Active(viewerID, taskID); ok {
		return nil
	}
	if s.tasks == nil {
		return privacy.ErrInsufficientScope
	}
	ok, err := s.tasks.IsTaskParticipant(ctx, taskID, viewerID)
	if err != nil {
		return fmt.Errorf("%w: task directory: %v", types.ErrUnavailable, err)
	}
	if !ok {
		return privacy.ErrInsufficientScope
	}
	return nil
}
