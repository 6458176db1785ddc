// Package billing publishes usage events to the external billing service.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Usage is one billable embedding run.
type Usage struct {
	// TeamID is the team whose budget is charged.
	TeamID string `json:"team_id"`

	// TmbID is the team member bucket the work is attributed to.
	TmbID string `json:"tmb_id"`

	// BillingID ties the charge to the originating billing account.
	BillingID string `json:"billing_id"`

	// Tokens is the number of prompt tokens the embedding model consumed.
	Tokens int `json:"tokens"`

	// Model is the embedding model used.
	Model string `json:"model"`

	// Timestamp is when the work completed.
	Timestamp time.Time `json:"timestamp"`
}

// Reporter delivers usage events to billing. Reporting is best-effort:
// the worker treats a failed report as a logged anomaly, never as a
// failed job.
type Reporter interface {
	ReportUsage(ctx context.Context, usage Usage) error
}

// NATSReporter publishes usage events as fire-and-forget JSON messages.
//
// Subject pattern: {prefix}.billing.usage.{team_id}
type NATSReporter struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewNATSReporter creates a reporter on an existing NATS connection.
func NewNATSReporter(conn *nats.Conn, subjectPrefix string, logger *zap.Logger) *NATSReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSReporter{conn: conn, subjectPrefix: subjectPrefix, logger: logger}
}

// ReportUsage publishes one usage event.
func (r *NATSReporter) ReportUsage(_ context.Context, usage Usage) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshaling usage event: %w", err)
	}

	subject := fmt.Sprintf("%s.billing.usage.%s", r.subjectPrefix, usage.TeamID)
	if err := r.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing usage event: %w", err)
	}

	r.logger.Debug("published usage event",
		zap.String("subject", subject),
		zap.String("team_id", usage.TeamID),
		zap.Int("tokens", usage.Tokens),
	)
	return nil
}

var _ Reporter = (*NATSReporter)(nil)

// NopReporter discards usage events. Used when billing is disabled.
type NopReporter struct{}

// ReportUsage discards the event.
func (NopReporter) ReportUsage(context.Context, Usage) error {
	return nil
}

var _ Reporter = NopReporter{}
