package domain

import "time"

// Audit event types, one per notable state transition.
const (
	EventRegistrationStarted   = "registration_started"
	EventOTPSent               = "otp_sent"
	EventOTPVerified           = "otp_verified"
	EventOTPFailed             = "otp_failed"
	EventPINIssued             = "pin_issued"
	EventRegistrationFinalized = "registration_finalized"
	EventEmailVerified         = "email_verified"
	EventWelcomeEmailSent      = "welcome_email_sent"
	EventWelcomeEmailFailed    = "welcome_email_failed"
	EventPhoneVerified         = "phone_verified"
	EventPINConvertedToPhone   = "pin_converted_to_phone"
)

// AuditEvent is append-only; never mutated or deleted by this service.
type AuditEvent struct {
	ID        int64             `json:"id"`
	EventType string            `json:"event_type"`
	UserID    *string           `json:"user_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Alert struct {
	Code      string `json:"code"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
	WindowMin int    `json:"window_minutes"`
	IP        string `json:"ip,omitempty"`
}

const (
	AlertOTPSpike             = "otp_spike"
	AlertRegisterSpikeIP      = "register_spike_ip"
	AlertWelcomeEmailFailures = "welcome_email_failures"
)
