// Package audit records security-relevant events raised by the authorization
// server: registrations, replays, family revocations and denied identities.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventType names a security event. It doubles as the AMQP routing key suffix.
type EventType string

const (
	ClientRegistered        EventType = "client_registered"
	ClientDeleted           EventType = "client_deleted"
	AuthorizationCodeReplay EventType = "authorization_code_replay"
	RefreshTokenReuse       EventType = "refresh_token_reuse"
	FamilyRevoked           EventType = "family_revoked"
	UserTokensRevoked       EventType = "user_tokens_revoked"
	UpstreamIdentityDenied  EventType = "upstream_identity_denied"
)

// Event is one audit record. Secrets never appear in it.
type Event struct {
	Type     EventType `json:"event"`
	Time     time.Time `json:"time"`
	ClientID string    `json:"client_id,omitempty"`
	Subject  string    `json:"subject,omitempty"`
	FamilyID string    `json:"family_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Auditor receives events. Implementations must not block the request path
// for long and must never return an error to it.
type Auditor interface {
	Record(ctx context.Context, event Event)
}

// LogAuditor writes events to a zap logger.
type LogAuditor struct {
	logger *zap.SugaredLogger
}

// NewLogAuditor creates a LogAuditor.
func NewLogAuditor(logger *zap.SugaredLogger) *LogAuditor {
	return &LogAuditor{logger: logger.Named("audit")}
}

// Record logs the event at warn level.
func (a *LogAuditor) Record(_ context.Context, event Event) {
	a.logger.Warnw("security event",
		"event", string(event.Type),
		"client_id", event.ClientID,
		"subject", event.Subject,
		"family_id", event.FamilyID,
		"detail", event.Detail,
	)
}

// Multi fans an event out to several auditors.
type Multi []Auditor

// Record forwards the event to every auditor.
func (m Multi) Record(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	for _, a := range m {
		if a != nil {
			a.Record(ctx, event)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
