package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn}, nil
}

func (n *NATSPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject)

	return n.conn.Publish(subject, payload)
}

func (n *NATSPublisher) Close() error {
	n.conn.Close()
	return nil
}

// NopPublisher drops all events. Used when NATS is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }
func (NopPublisher) Close() error                                       { return nil }

// Registration lifecycle subjects
const (
	RegistrationStarted   = "registration.started"
	RegistrationFinalized = "registration.finalized"
	OTPSent               = "otp.sent"
	OTPVerified           = "otp.verified"
	OTPFailed             = "otp.failed"
	PINIssued             = "pin.issued"
	PINConverted          = "pin.converted"
	EmailVerified         = "email.verified"
)

type RegistrationStartedEvent struct {
	RegToken  string    `json:"reg_token"`
	PhoneHash string    `json:"phone_hash"`
	StartedAt time.Time `json:"started_at"`
}

type RegistrationFinalizedEvent struct {
	UserID      string    `json:"user_id"`
	PIN         string    `json:"pin"`
	FinalizedAt time.Time `json:"finalized_at"`
}

type OTPEvent struct {
	RegToken   string    `json:"reg_token,omitempty"`
	PhoneHash  string    `json:"phone_hash"`
	OccurredAt time.Time `json:"occurred_at"`
}

type PINIssuedEvent struct {
	UserID   string    `json:"user_id"`
	PIN      string    `json:"pin"`
	Mode     string    `json:"mode"`
	IssuedAt time.Time `json:"issued_at"`
}

type PINConvertedEvent struct {
	UserID      string    `json:"user_id"`
	OldPIN      string    `json:"old_pin"`
	NewPIN      string    `json:"new_pin"`
	ConvertedAt time.Time `json:"converted_at"`
}
