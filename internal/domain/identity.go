package domain

import (
	"fmt"
	"strings"
	"time"
)

// Identity statuses
const (
	StatusIncomplete = "incomplete"
	StatusActive     = "active"
)

// Identity is one verified person. PhoneHash and PIN are both unique across
// all identities; uniqueness is enforced by database constraints.
type Identity struct {
	UserID             string     `json:"user_id"`
	FullName           string     `json:"full_name"`
	Email              *string    `json:"email,omitempty"`
	EmailVerified      bool       `json:"email_verified"`
	PhoneEncrypted     string     `json:"-"`
	PhoneHash          string     `json:"-"`
	PIN                string     `json:"pin"`
	Status             string     `json:"status"`
	ProfileCompletion  int        `json:"profile_completion"`
	WelcomeEmailSent   bool       `json:"welcome_email_sent"`
	WelcomeEmailSentAt *time.Time `json:"welcome_email_sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (i *Identity) IsActive() bool {
	return i.Status == StatusActive
}

// HasRealEmail reports whether the identity carries a caller-supplied email
// rather than a synthesized alias.
func (i *Identity) HasRealEmail() bool {
	return i.Email != nil && *i.Email != "" && !strings.HasSuffix(*i.Email, AliasEmailDomain)
}

// AliasEmailDomain is used to synthesize a managed-auth email when the
// caller registers with phone only.
const AliasEmailDomain = "@users.coreidpin.local"

func AliasEmail(phoneHash string) string {
	return fmt.Sprintf("u-%s%s", phoneHash[:16], AliasEmailDomain)
}

type MeResponse struct {
	PIN               string `json:"pin"`
	Status            string `json:"status"`
	ProfileCompletion int    `json:"profile_completion"`
	EmailVerified     bool   `json:"email_verified"`
	WelcomeEmailSent  bool   `json:"welcome_email_sent"`
}

type ConvertPhoneRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type ConvertPhoneResponse struct {
	Success   bool   `json:"success"`
	PINNumber string `json:"pinNumber"`
}

type SendPhoneOTPRequest struct {
	Phone string `json:"phone"`
}

type SendPhoneOTPResponse struct {
	Success   bool   `json:"success"`
	ExpiresIn int    `json:"expiresIn"`
	DevOTP    string `json:"_dev_otp,omitempty"`
}

type VerifyPhoneRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

type VerifyPhoneResponse struct {
	Success bool `json:"success"`
}

type VerifyPINRequest struct {
	PIN string `json:"pin"`
}

// VerifyPINResponse is what business API consumers see for an active PIN.
type VerifyPINResponse struct {
	PIN               string  `json:"pin"`
	FullName          string  `json:"full_name"`
	Email             *string `json:"email,omitempty"`
	EmailVerified     bool    `json:"email_verified"`
	ProfileCompletion int     `json:"profile_completion"`
}

// CompletionScore is the weighted profile completion for an identity and its
// accumulated registration data. Phone verification carries the largest
// weight since it is the anchor of the identity.
func CompletionScore(fullName string, email *string, emailVerified bool, data ProfileData) int {
	score := 30 // verified phone is a precondition for having an identity at all

	if strings.TrimSpace(fullName) != "" {
		score += 15
	}
	if email != nil && *email != "" && !strings.HasSuffix(*email, AliasEmailDomain) {
		score += 10
	}
	if emailVerified {
		score += 10
	}
	if data.Profession != nil && *data.Profession != "" {
		score += 10
	}
	if data.Company != nil && *data.Company != "" {
		score += 5
	}
	if data.City != nil && *data.City != "" {
		score += 5
	}
	if data.Country != nil && *data.Country != "" {
		score += 5
	}
	if data.Bio != nil && *data.Bio != "" {
		score += 5
	}
	if data.Website != nil && *data.Website != "" {
		score += 5
	}

	if score > 100 {
		score = 100
	}
	return score
}
