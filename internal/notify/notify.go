package notify

import (
	"errors"
	"log/slog"

	"vestnik/internal/models"
)

var (
	ErrMissingUserID       = errors.New("userId is required")
	ErrMissingAssignmentID = errors.New("assignmentId is required")
	ErrNoRecipients        = errors.New("userIds must not be empty")
)

type Fanout interface {
	Deliver(identity string, event models.ServerEvent) bool
	Broadcast(identities []string, event models.ServerEvent)
}

// Service is the ingress for server-initiated notifications. Both
// operations are fire-and-forget: once input validation passes they
// succeed even when zero recipients are connected.
type Service struct {
	fanout Fanout
	log    *slog.Logger
}

func New(fanout Fanout, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{fanout: fanout, log: log}
}

// NotifyAssignment tells a single user about an externally created
// assignment. Nothing is persisted.
func (s *Service) NotifyAssignment(userID, assignmentID, contextID, message string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if assignmentID == "" {
		return ErrMissingAssignmentID
	}

	s.fanout.Deliver(userID, models.ServerEvent{
		Event: models.EventAssignment,
		Data: models.AssignmentPayload{
			AssignmentID: assignmentID,
			ContextID:    contextID,
			Message:      message,
		},
	})
	s.log.Info("assignment notification sent", "user_id", userID, "assignment_id", assignmentID)
	return nil
}

// NotifyBatch delivers a title/message/extra notification to each
// identity independently. Partial delivery is expected.
func (s *Service) NotifyBatch(userIDs []string, title, message string, extra map[string]any) error {
	if len(userIDs) == 0 {
		return ErrNoRecipients
	}

	s.fanout.Broadcast(userIDs, models.ServerEvent{
		Event: models.EventNotification,
		Data: models.NotificationPayload{
			Title:   title,
			Message: message,
			Extra:   extra,
		},
	})
	s.log.Info("batch notification sent", "recipients", len(userIDs), "title", title)
	return nil
}
