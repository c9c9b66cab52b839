package eventhandler

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// Notification is a message for a learner. Delivery channels live outside
// the engine.
type Notification struct {
	LearnerID shared.LearnerID
	Kind      string
	Message   string
	// DedupeKey is stable across redeliveries.
	DedupeKey string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// CertificateIssuer issues course certificates.
type CertificateIssuer interface {
	Issue(ctx context.Context, learnerID shared.LearnerID, courseID, attemptID string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{ log *logger.Logger }

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.With(logger.Component("notifier"))}
}

func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	n.log.Info("notification",
		logger.LearnerID(msg.LearnerID.String()),
		logger.String("kind", msg.Kind),
		logger.String("message", msg.Message),
		logger.String("dedupe_key", msg.DedupeKey),
	)
	return nil
}

// LogCertificateIssuer writes certificate requests to the log.
type LogCertificateIssuer struct{ log *logger.Logger }

func NewLogCertificateIssuer(log *logger.Logger) *LogCertificateIssuer {
	return &LogCertificateIssuer{log: log.With(logger.Component("certificates"))}
}

func (c *LogCertificateIssuer) Issue(_ context.Context, learnerID shared.LearnerID, courseID, attemptID string) error {
	c.log.Info("certificate issued",
		logger.LearnerID(learnerID.String()),
		logger.String("course_id", courseID),
		logger.AttemptID(attemptID),
	)
	return nil
}

// Discard drops notifications and certificate requests.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }

func (Discard) Issue(context.Context, shared.LearnerID, string, string) error { return nil }
