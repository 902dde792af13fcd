package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/model"
	"classattend/internal/queue"
)

// ConsumeNotifications drains notifications from q until ctx is done,
// handing each to deliver. Undecodable messages and failed deliveries are
// logged and dropped.
func ConsumeNotifications(ctx context.Context, q queue.Queue, deliver func(context.Context, attendance.Notification) error, log *zap.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		note, err := queue.DecodeNotification(msg)
		if err != nil {
			log.Warn("Dropping malformed notification", zap.Error(err))
			continue
		}
		if err := deliver(ctx, note); err != nil {
			log.Error("Notification delivery failed",
				zap.Error(err),
				zap.String("type", note.Type),
				zap.String("session_id", note.SessionID),
				zap.String("student_id", note.StudentID),
			)
		}
	}
	return ctx.Err()
}

// LogDelivery is the default notification sink.
func LogDelivery(log *zap.Logger) func(context.Context, attendance.Notification) error {
	return func(_ context.Context, note attendance.Notification) error {
		log.Info("Attendance notification",
			zap.String("type", note.Type),
			zap.String("session_id", note.SessionID),
			zap.String("student_id", note.StudentID),
			zap.String("status", string(note.Status)),
			zap.String("previous", string(note.Previous)),
			zap.String("actor_id", note.ActorID),
		)
		return nil
	}
}

// FinalizeClosed records absences for every session of the previous and the
// current canonical date that has closed by now. It returns the number of
// absences written.
func FinalizeClosed(ctx context.Context, svc *attendance.Service, catalog attendance.SessionCatalog, now time.Time) (int, error) {
	local := now.In(svc.Zone())
	var (
		total int
		errs  []error
	)
	for _, day := range []time.Time{local.AddDate(0, 0, -1), local} {
		sessions, err := catalog.ListSessionsForDate(ctx, day.Format(model.DateLayout))
		if err != nil {
			return total, err
		}
		for i := range sessions {
			if !sessions[i].Closed(now) {
				continue
			}
			n, err := svc.Finalize(ctx, sessions[i].ID, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			total += n
		}
	}
	return total, errors.Join(errs...)
}

// RunFinalizer calls FinalizeClosed every interval until ctx is done.
func RunFinalizer(ctx context.Context, svc *attendance.Service, catalog attendance.SessionCatalog, interval time.Duration, log *zap.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("finalize sweep interval %s must be positive", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Finalizer started", zap.Duration("interval", interval))
	for {
		n, err := FinalizeClosed(ctx, svc, catalog, time.Now())
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("Finalize sweep incomplete", zap.Error(err), zap.Int("absences", n))
		case n > 0:
			log.Info("Finalize sweep recorded absences", zap.Int("absences", n))
		}
		select {
		case <-ctx.Done():
			log.Info("Finalizer stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
