package domain

import "time"

// OTP is one issued one-time code, keyed by contact hash. Append-mostly; the
// most recently created unused, unexpired row is the live one for a contact.
type OTP struct {
	ID          int64     `json:"id"`
	ContactHash string    `json:"-"`
	OTPHash     string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
	Used        bool      `json:"used"`
	CreatedAt   time.Time `json:"created_at"`
}

func (o *OTP) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// AttemptOutcome is the result of one atomic verification attempt against
// the live OTP row.
type AttemptOutcome string

const (
	AttemptMatched       AttemptOutcome = "matched"
	AttemptMismatched    AttemptOutcome = "mismatched"
	AttemptAlreadyUsed   AttemptOutcome = "already_used"
	AttemptExpired       AttemptOutcome = "expired"
	AttemptLimitExceeded AttemptOutcome = "limit_exceeded"
	AttemptNoPendingCode AttemptOutcome = "no_pending_code"
)
