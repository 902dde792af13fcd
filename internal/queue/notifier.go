package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"classattend/internal/attendance"
)

// Notifier publishes attendance notifications onto a Queue.
type Notifier struct {
	q Queue
}

func NewNotifier(q Queue) *Notifier {
	return &Notifier{q: q}
}

func (n *Notifier) Notify(ctx context.Context, note attendance.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.q.Publish(ctx, Message{Type: note.Type, Body: body})
}

// DecodeNotification reads a message published by Notifier.
func DecodeNotification(msg Message) (attendance.Notification, error) {
	var note attendance.Notification
	if err := json.Unmarshal(msg.Body, &note); err != nil {
		return note, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return note, nil
}
