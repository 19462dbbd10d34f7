package domain

import "time"

// Job types
const (
	JobSendOTP     = "send_otp"
	JobSendEmail   = "send_email"
	JobAnchorChain = "anchor_chain"
)

// Job statuses. Failed jobs return to pending with a future run_after until
// they exhaust MaxTries, then move to dead.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobDead       = "dead"
)

// Job is one durable asynchronous side effect. The payload is stored as
// AES-GCM ciphertext of a JSON document.
type Job struct {
	ID               int64     `json:"id"`
	JobType          string    `json:"job_type"`
	PayloadEncrypted string    `json:"-"`
	Status           string    `json:"status"`
	TryCount         int       `json:"try_count"`
	RunAfter         time.Time `json:"run_after"`
	LastError        *string   `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type SendOTPPayload struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

type SendEmailPayload struct {
	To      string `json:"to"`
	Name    string `json:"name,omitempty"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

type AnchorChainPayload struct {
	UserID string `json:"user_id"`
	PIN    string `json:"pin"`
}
