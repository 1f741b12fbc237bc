// README: Privacy settings, view contexts and filtered location shapes.
package privacy

import (
	"time"

	"waypoint/internal/types"
)

type Precision string

const (
	PrecisionExact       Precision = "exact"
	PrecisionApproximate Precision = "approximate"
	PrecisionCity        Precision = "city"
	PrecisionDisabled    Precision = "disabled"
)

func (p Precision) Valid() bool {
	switch p {
	case PrecisionExact, PrecisionApproximate, PrecisionCity, PrecisionDisabled:
		return true
	}
	return false
}

// ViewContext names why a viewer is asking for someone else's location.
type ViewContext string

const (
	ContextTask      ViewContext = "task"
	ContextNearby    ViewContext = "nearby"
	ContextEmergency ViewContext = "emergency"
)

const (
	approximateRadiusMeters = 100
	cityRadiusMeters        = 5000
)

type Settings struct {
	SharingEnabled               bool      `json:"sharing_enabled"`
	Precision                    Precision `json:"precision_level"`
	ShareWithPeers               bool      `json:"share_with_peers"`
	ShareWithTaskParticipants    bool      `json:"share_with_task_participants"`
	HistoryRetentionDays         int       `json:"history_retention_days"`
	AnonymizeAfterHours          int       `json:"anonymize_after_hours"`
	AllowEmergencyAccess         bool      `json:"allow_emergency_access"`
	GeofenceNotificationsEnabled bool      `json:"geofence_notifications_enabled"`
	UpdatedAt                    time.Time `json:"updated_at"`
}

// DefaultSettings are applied the first time a participant's settings are read.
func DefaultSettings() Settings {
	return Settings{
		SharingEnabled:               true,
		Precision:                    PrecisionApproximate,
		ShareWithPeers:               false,
		ShareWithTaskParticipants:    true,
		HistoryRetentionDays:         30,
		AnonymizeAfterHours:          24,
		AllowEmergencyAccess:         true,
		GeofenceNotificationsEnabled: true,
	}
}

// SettingsPatch is a partial update; nil fields are left untouched.
type SettingsPatch struct {
	SharingEnabled               *bool      `json:"sharing_enabled"`
	Precision                    *Precision `json:"precision_level"`
	ShareWithPeers               *bool      `json:"share_with_peers"`
	ShareWithTaskParticipants    *bool      `json:"share_with_task_participants"`
	HistoryRetentionDays         *int       `json:"history_retention_days"`
	AnonymizeAfterHours          *int       `json:"anonymize_after_hours"`
	AllowEmergencyAccess         *bool      `json:"allow_emergency_access"`
	GeofenceNotificationsEnabled *bool      `json:"geofence_notifications_enabled"`
}

func (p SettingsPatch) apply(s Settings) Settings {
	if p.SharingEnabled != nil {
		s.SharingEnabled = *p.SharingEnabled
	}
	if p.Precision != nil {
		s.Precision = *p.Precision
	}
	if p.ShareWithPeers != nil {
		s.ShareWithPeers = *p.ShareWithPeers
	}
	if p.ShareWithTaskParticipants != nil {
		s.ShareWithTaskParticipants = *p.ShareWithTaskParticipants
	}
	if p.HistoryRetentionDays != nil {
		s.HistoryRetentionDays = *p.HistoryRetentionDays
	}
	if p.AnonymizeAfterHours != nil {
		s.AnonymizeAfterHours = *p.AnonymizeAfterHours
	}
	if p.AllowEmergencyAccess != nil {
		s.AllowEmergencyAccess = *p.AllowEmergencyAccess
	}
	if p.GeofenceNotificationsEnabled != nil {
		s.GeofenceNotificationsEnabled = *p.GeofenceNotificationsEnabled
	}
	return s
}

// Filtered is what a viewer is allowed to see of a sample. AccuracyRadius is
// zero for exact samples.
type Filtered struct {
	Sample         types.Sample `json:"location"`
	IsAnonymized   bool         `json:"is_anonymized"`
	AccuracyRadius float64      `json:"accuracy_radius,omitempty"`
}

// AccessEvent is the audit record written for emergency lookups.
type AccessEvent struct {
	ViewerID types.ID
	OwnerID  types.ID
	Context  ViewContext
	Reason   string
	Granted  bool
	At       time.Time
}

// EncryptedBlob is a sealed sample bound to one participant.
type EncryptedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
}
