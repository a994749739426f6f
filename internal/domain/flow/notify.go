package flow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
	"github.com/opdflow/opdflow/internal/platform/websocket"
)

// EventNotifier turns engine changes into websocket events. Queue changes
// go to the clinic topic and to the display boards; status changes go to
// the patient topic.
type EventNotifier struct {
	pub websocket.EventPublisher
	now func() time.Time
}

func NewEventNotifier(pub websocket.EventPublisher) *EventNotifier {
	return &EventNotifier{pub: pub, now: time.Now}
}

func (n *EventNotifier) QueueChanged(ctx context.Context, code string) error {
	ts := n.now()
	return errors.Join(
		n.pub.Publish(ctx, websocket.Event{
			Type:      websocket.EventQueueChanged,
			Topic:     websocket.OPDTopic(code),
			OPDCode:   code,
			Timestamp: ts,
		}),
		n.pub.Publish(ctx, websocket.Event{
			Type:      websocket.EventQueueChanged,
			Topic:     websocket.TopicDisplays,
			OPDCode:   code,
			Timestamp: ts,
		}),
	)
}

func (n *EventNotifier) PatientStatusChanged(ctx context.Context, patientID uuid.UUID, status patient.Status) error {
	return n.pub.Publish(ctx, websocket.Event{
		Type:      websocket.EventPatientStatusChanged,
		Topic:     websocket.PatientTopic(patientID.String()),
		PatientID: patientID.String(),
		Status:    string(status),
		Timestamp: n.now(),
	})
}
