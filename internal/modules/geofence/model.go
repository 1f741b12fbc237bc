// README: Geofence definitions, per-participant membership and emitted events.
package geofence

import (
	"encoding/json"
	"time"

	"waypoint/internal/types"
)

type Kind string

const (
	KindPickup      Kind = "pickup"
	KindDelivery    Kind = "delivery"
	KindServiceArea Kind = "service_area"
	KindSafetyZone  Kind = "safety_zone"
)

// kindAliases maps the camelCase spellings some task clients send.
var kindAliases = map[string]Kind{
	"serviceArea": KindServiceArea,
	"safetyZone":  KindSafetyZone,
}

// ParseKind accepts the snake_case values and their camelCase aliases.
func ParseKind(s string) (Kind, bool) {
	if k, ok := kindAliases[s]; ok {
		return k, true
	}
	k := Kind(s)
	return k, k.Valid()
}

// UnmarshalJSON normalizes aliases. Unknown kinds are kept as sent and
// rejected by Create.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*k, _ = ParseKind(s)
	return nil
}

func (k Kind) Valid() bool {
	switch k {
	case KindPickup, KindDelivery, KindServiceArea, KindSafetyZone:
		return true
	}
	return false
}

// defaultRadius is used for sites that only name a point.
func (k Kind) defaultRadius() float64 {
	switch k {
	case KindServiceArea:
		return 5000
	case KindSafetyZone:
		return 500
	default:
		return 100
	}
}

type Shape string

const (
	ShapeCircle  Shape = "circle"
	ShapePolygon Shape = "polygon"
)

// Geometry is either a circle (Center, RadiusMeters) or a polygon (Vertices,
// in order, implicitly closed).
type Geometry struct {
	Shape        Shape         `json:"shape"`
	Center       types.Point   `json:"center,omitzero"`
	RadiusMeters float64       `json:"radius_meters,omitempty"`
	Vertices     []types.Point `json:"vertices,omitempty"`
}

type Geofence struct {
	ID        types.ID  `json:"id"`
	TaskID    types.ID  `json:"task_id"`
	Kind      Kind      `json:"kind"`
	Geometry  Geometry  `json:"geometry"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type MembershipState string

const (
	Outside MembershipState = "outside"
	Inside  MembershipState = "inside"
)

// Membership is one participant's standing relative to one geofence.
type Membership struct {
	State      MembershipState
	Since      time.Time
	DwellFired bool
}

type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
	EventDwell EventType = "dwell"
)

type Event struct {
	ID            types.ID     `json:"id"`
	ParticipantID types.ID     `json:"participant_id"`
	TaskID        types.ID     `json:"task_id"`
	GeofenceID    types.ID     `json:"geofence_id"`
	Type          EventType    `json:"event_type"`
	Location      types.Sample `json:"location"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Site is a task location a geofence can be derived from. Either Location or
// Address is set; Polygon, when present, overrides both.
type Site struct {
	Kind         Kind
	Location     *types.Point
	Address      string
	RadiusMeters float64
	Polygon      []types.Point
}
