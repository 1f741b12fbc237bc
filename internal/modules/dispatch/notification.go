// README: Egress messages delivered to viewers through the hub.
package dispatch

import (
	"time"

	"waypoint/internal/modules/geofence"
	"waypoint/internal/modules/privacy"
	"waypoint/internal/types"
)

type Kind string

const (
	KindLocationUpdate  Kind = "location_update"
	KindGeofenceEvent   Kind = "geofence_event"
	KindTrackingStarted Kind = "tracking_started"
	KindTrackingStopped Kind = "tracking_stopped"
)

// Notification is one message to one viewer. Exactly one payload field is set,
// matching Kind.
type Notification struct {
	Kind     Kind            `json:"type"`
	Location *LocationUpdate `json:"location_update,omitempty"`
	Geofence *GeofenceNotice `json:"geofence_event,omitempty"`
	Tracking *TrackingAck    `json:"tracking,omitempty"`
}

type LocationUpdate struct {
	ParticipantID types.ID         `json:"participant_id"`
	Location      privacy.Filtered `json:"location"`
	Timestamp     time.Time        `json:"timestamp"`
}

type GeofenceNotice struct {
	EventType     geofence.EventType `json:"event_type"`
	GeofenceID    types.ID           `json:"geofence_id"`
	ParticipantID types.ID           `json:"participant_id"`
	TaskID        types.ID           `json:"task_id"`
	Location      *privacy.Filtered  `json:"location,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

type TrackingAck struct {
	TaskID        types.ID `json:"task_id"`
	ParticipantID types.ID `json:"participant_id"`
}

// Ack is returned to the reporting participant.
type Ack struct {
	Timestamp time.Time `json:"timestamp"`
}

// noticeFrom builds the viewer's copy of e. loc is nil when the viewer may
// not see the participant's position.
func noticeFrom(e geofence.Event, loc *privacy.Filtered) *GeofenceNotice {
	return &GeofenceNotice{
		EventType:     e.Type,
		GeofenceID:    e.GeofenceID,
		ParticipantID: e.ParticipantID,
		TaskID:        e.TaskID,
		Location:      loc,
		Timestamp:     e.Timestamp,
	}
}
