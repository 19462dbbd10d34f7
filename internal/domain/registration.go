package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Registration is one in-flight signup attempt, keyed by its opaque
// client-facing reg token.
type Registration struct {
	RegToken       string      `json:"reg_token"`
	PhoneHash      string      `json:"-"`
	PhoneEncrypted string      `json:"-"`
	Data           ProfileData `json:"data"`
	ProgressStage  string      `json:"progress_stage"`
	OTPVerified    bool        `json:"otp_verified"`
	UserID         *string     `json:"user_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

const StageBasic = "basic"

// ProfileData is the partial profile accumulated across registration steps.
// Fields are optional; Merge applies last-write-wins per field.
type ProfileData struct {
	FullName   *string `json:"full_name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Profession *string `json:"profession,omitempty"`
	Company    *string `json:"company,omitempty"`
	City       *string `json:"city,omitempty"`
	Country    *string `json:"country,omitempty"`
	Bio        *string `json:"bio,omitempty"`
	Website    *string `json:"website,omitempty"`
}

func (p *ProfileData) Merge(in ProfileData) {
	if in.FullName != nil {
		p.FullName = in.FullName
	}
	if in.Email != nil {
		p.Email = in.Email
	}
	if in.Profession != nil {
		p.Profession = in.Profession
	}
	if in.Company != nil {
		p.Company = in.Company
	}
	if in.City != nil {
		p.City = in.City
	}
	if in.Country != nil {
		p.Country = in.Country
	}
	if in.Bio != nil {
		p.Bio = in.Bio
	}
	if in.Website != nil {
		p.Website = in.Website
	}
}

func (p *ProfileData) Validate() error {
	if p.Email != nil && *p.Email != "" && !isValidEmail(*p.Email) {
		return fmt.Errorf("invalid email format")
	}
	if p.FullName != nil && len(*p.FullName) > 200 {
		return fmt.Errorf("full_name too long")
	}
	if p.Bio != nil && len(*p.Bio) > 2000 {
		return fmt.Errorf("bio too long")
	}
	return nil
}

type StartRequest struct {
	FullName       string `json:"full_name"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (r *StartRequest) Normalize() {
	r.FullName = strings.TrimSpace(r.FullName)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Phone = strings.TrimSpace(r.Phone)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
}

func (r *StartRequest) Validate() error {
	if r.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if r.Phone == "" {
		return fmt.Errorf("phone is required")
	}
	if r.Email != "" && !isValidEmail(r.Email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

type StartResponse struct {
	RegToken     string `json:"reg_token"`
	OTPExpiresIn int    `json:"otp_expires_in"`
	Message      string `json:"message"`
}

type VerifyOTPRequest struct {
	RegToken string `json:"reg_token"`
	OTP      string `json:"otp"`
}

func (r *VerifyOTPRequest) Normalize() {
	r.RegToken = strings.TrimSpace(r.RegToken)
	r.OTP = strings.TrimSpace(r.OTP)
}

func (r *VerifyOTPRequest) Validate() error {
	if r.RegToken == "" {
		return fmt.Errorf("reg_token is required")
	}
	if !regexp.MustCompile(`^\d{6}$`).MatchString(r.OTP) {
		return fmt.Errorf("otp must be 6 digits")
	}
	return nil
}

type VerifyOTPResponse struct {
	RegistrationToken string `json:"registration_token"`
	Next              string `json:"next"`
	UserExists        bool   `json:"user_exists"`
	PIN               string `json:"pin"`
}

type SaveProfileRequest struct {
	Stage string      `json:"stage"`
	Data  ProfileData `json:"data"`
}

func (r *SaveProfileRequest) Validate() error {
	if r.Stage == "" {
		return fmt.Errorf("stage is required")
	}
	return r.Data.Validate()
}

type SaveProfileResponse struct {
	Status            string `json:"status"`
	ProfileCompletion int    `json:"profile_completion"`
}

type FinalizeResponse struct {
	AccessToken string        `json:"access_token,omitempty"`
	User        *FinalizeUser `json:"user,omitempty"`
	Status      string        `json:"status,omitempty"`
}

type FinalizeUser struct {
	ID            string `json:"id"`
	PIN           string `json:"pin"`
	EmailVerified bool   `json:"email_verified"`
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func isValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}
