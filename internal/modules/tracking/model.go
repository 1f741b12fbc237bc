// README: Tracking session aggregate, route points and status definitions.
package tracking

import (
	"time"

	"waypoint/internal/types"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusDisconnected Status = "disconnected"
)

type Session struct {
	ID            types.ID   `json:"id"`
	ParticipantID types.ID   `json:"participant_id"`
	TaskID        types.ID   `json:"task_id"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

func (s Session) Active() bool { return s.Status == StatusActive }

// RoutePoint is one accepted sample attributed to a session. Seq is dense and
// starts at 1 within a session.
type RoutePoint struct {
	SessionID     types.ID     `json:"session_id"`
	ParticipantID types.ID     `json:"-"`
	Seq           int64        `json:"seq"`
	Sample        types.Sample `json:"sample"`
	RecordedAt    time.Time    `json:"recorded_at"`
}

// AllowedTransitions is the session lifecycle. Every terminal status is final.
var AllowedTransitions = map[Status][]Status{
	StatusActive: {StatusCompleted, StatusCancelled, StatusDisconnected},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
