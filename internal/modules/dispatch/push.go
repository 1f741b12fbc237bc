package dispatch

import (
	"context"
	"fmt"
	"time"

	"firebase.google.com/go/v4/messaging"

	"waypoint/internal/modules/geofence"
)

// Pusher delivers geofence events to devices outside the live stream.
type Pusher interface {
	PushGeofenceEvent(ctx context.Context, e geofence.Event) error
}

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMPusher publishes geofence events to the task's FCM topic. Coordinates
// are never included in the push payload.
type FCMPusher struct {
	client messageSender
}

func NewFCMPusher(client *messaging.Client) *FCMPusher {
	return &FCMPusher{client: client}
}

func taskTopic(taskID string) string {
	return "task-" + taskID
}

func (p *FCMPusher) PushGeofenceEvent(ctx context.Context, e geofence.Event) error {
	msg := &messaging.Message{
		Topic: taskTopic(string(e.TaskID)),
		Data: map[string]string{
			"type":           "geofence_event",
			"event_type":     string(e.Type),
			"geofence_id":    string(e.GeofenceID),
			"participant_id": string(e.ParticipantID),
			"task_id":        string(e.TaskID),
			"timestamp":      e.Timestamp.UTC().Format(time.RFC3339),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM to topic %s: %w", msg.Topic, err)
	}
	return nil
}
