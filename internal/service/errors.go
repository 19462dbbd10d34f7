package service

import "net/http"

// Error carries a stable machine-readable code alongside the HTTP status it
// maps to, so client UIs can branch without parsing messages.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidInput     = &Error{Code: "invalid_input", Status: http.StatusBadRequest, Message: "invalid request"}
	ErrInvalidPhone     = &Error{Code: "invalid_phone", Status: http.StatusBadRequest, Message: "invalid phone number"}
	ErrRateLimited      = &Error{Code: "rate_limited", Status: http.StatusTooManyRequests, Message: "too many OTP requests, try again later"}
	ErrInvalidRegToken  = &Error{Code: "invalid_reg_token", Status: http.StatusUnauthorized, Message: "unknown registration token"}
	ErrInvalidRegHeader = &Error{Code: "invalid_registration_token", Status: http.StatusUnauthorized, Message: "unknown registration token"}
	ErrOTPNotFound      = &Error{Code: "otp_not_found", Status: http.StatusUnauthorized, Message: "no pending code for this contact"}
	ErrOTPUsed          = &Error{Code: "otp_used", Status: http.StatusUnauthorized, Message: "code has already been used"}
	ErrOTPExpired       = &Error{Code: "otp_expired", Status: http.StatusGone, Message: "code has expired, request a new one"}
	ErrAttemptsExceeded = &Error{Code: "attempts_exceeded", Status: http.StatusTooManyRequests, Message: "too many failed attempts, request a new code"}
	ErrInvalidOTP       = &Error{Code: "invalid_otp", Status: http.StatusUnauthorized, Message: "incorrect code"}
	ErrInsufficientData = &Error{Code: "insufficient_data", Status: http.StatusUnprocessableEntity, Message: "phone verification is required before finalizing"}
	ErrNotFound         = &Error{Code: "not_found", Status: http.StatusNotFound, Message: "not found"}
	ErrPINConflict      = &Error{Code: "pin_conflict", Status: http.StatusConflict, Message: "this number is already in use as a PIN"}
	ErrPhoneConflict    = &Error{Code: "phone_conflict", Status: http.StatusConflict, Message: "this phone number belongs to another identity"}
	ErrInvalidOrExpired = &Error{Code: "invalid_or_expired", Status: http.StatusGone, Message: "invalid or expired verification link"}
	ErrUnauthorized     = &Error{Code: "unauthorized", Status: http.StatusUnauthorized, Message: "authentication required"}
)

func invalidInput(message string) *Error {
	return &Error{Code: ErrInvalidInput.Code, Status: ErrInvalidInput.Status, Message: message}
}
