// README: Latest-position state kept per participant.
package location

import (
	"time"

	"waypoint/internal/types"
)

// State is what the cache holds for one participant. UpdatedAt is the arrival
// time of the report and drives expiry; Sample.CapturedAt is device time.
type State struct {
	ParticipantID types.ID     `json:"participant_id"`
	TaskID        types.ID     `json:"task_id,omitempty"`
	Sample        types.Sample `json:"sample"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Neighbor is one hit of a proximity query.
type Neighbor struct {
	State
	DistanceMeters float64 `json:"distance_meters"`
}

// Predicate filters proximity results, e.g. by availability or eligibility.
type Predicate func(State) bool
