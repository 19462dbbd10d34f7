package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
	"github.com/coreidpin/coreidpin-sub005/internal/service"
	"github.com/coreidpin/coreidpin-sub005/pkg/crypto"
)

func seedIdentity(t *testing.T, env *testEnv, mutate func(*domain.Identity)) *domain.Identity {
	t.Helper()
	email := "ada@example.com"
	identity := &domain.Identity{
		UserID:            "user-1",
		FullName:          "Ada Obi",
		Email:             &email,
		PhoneHash:         crypto.Hash("+2348012345678", "test-salt"),
		PIN:               "2348012345678",
		Status:            domain.StatusActive,
		ProfileCompletion: 55,
	}
	if mutate != nil {
		mutate(identity)
	}
	if err := env.identityRepo.Create(context.Background(), identity); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	return identity
}

func TestMe_ReturnsProfile(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, nil)

	resp, err := env.identity.Me(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if resp.PIN != "2348012345678" || resp.Status != domain.StatusActive || resp.ProfileCompletion != 55 {
		t.Fatalf("unexpected profile: %+v", resp)
	}
}

func TestMe_UnknownUser(t *testing.T) {
	env := newTestEnv(testConfig())

	_, err := env.identity.Me(context.Background(), "ghost")
	assertServiceError(t, err, service.ErrUnauthorized)
}

func TestVerifyEmail_ConsumesTokenOnce(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	seedIdentity(t, env, func(i *domain.Identity) { i.EmailVerified = false })

	if err := env.verifyRepo.CreateEmailVerification(ctx, "user-1", "tok-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	if err := env.identity.VerifyEmail(ctx, "tok-1"); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	identity, _ := env.identityRepo.FindByID(ctx, "user-1")
	if !identity.EmailVerified {
		t.Fatal("email was not marked verified")
	}
	if env.auditRepo.countType(domain.EventEmailVerified) != 1 {
		t.Fatal("expected an email_verified audit event")
	}

	// Second use of the same token fails.
	err := env.identity.VerifyEmail(ctx, "tok-1")
	assertServiceError(t, err, service.ErrInvalidOrExpired)
}

func TestVerifyEmail_RejectsUnknownAndEmpty(t *testing.T) {
	env := newTestEnv(testConfig())

	assertServiceError(t, env.identity.VerifyEmail(context.Background(), ""), service.ErrInvalidOrExpired)
	assertServiceError(t, env.identity.VerifyEmail(context.Background(), "nope"), service.ErrInvalidOrExpired)
}

func TestConvertPhoneToPin_ReplacesPIN(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	seedIdentity(t, env, nil)

	resp, err := env.identity.ConvertPhoneToPin(ctx, "user-1", "+234 801 111 2222")
	if err != nil {
		t.Fatalf("ConvertPhoneToPin: %v", err)
	}
	if !resp.Success || resp.PINNumber != "2348011112222" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	identity, _ := env.identityRepo.FindByID(ctx, "user-1")
	if identity.PIN != "2348011112222" {
		t.Fatalf("PIN was not updated, got %q", identity.PIN)
	}
	if env.auditRepo.countType(domain.EventPINConvertedToPhone) != 1 {
		t.Fatal("expected a pin_converted_to_phone audit event")
	}
}

func TestConvertPhoneToPin_SamePINIsIdempotent(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, nil)

	resp, err := env.identity.ConvertPhoneToPin(context.Background(), "user-1", "+2348012345678")
	if err != nil {
		t.Fatalf("ConvertPhoneToPin: %v", err)
	}
	if !resp.Success || resp.PINNumber != "2348012345678" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if env.auditRepo.countType(domain.EventPINConvertedToPhone) != 0 {
		t.Fatal("no-op conversion must not record an audit event")
	}
}

func TestConvertPhoneToPin_ConflictWithOtherHolder(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, nil)
	seedIdentity(t, env, func(i *domain.Identity) {
		i.UserID = "user-2"
		i.PhoneHash = crypto.Hash("+2348011112222", "test-salt")
		i.PIN = "2348011112222"
	})

	_, err := env.identity.ConvertPhoneToPin(context.Background(), "user-1", "+2348011112222")
	assertServiceError(t, err, service.ErrPINConflict)
}

func TestConvertPhoneToPin_RejectsShortNumbers(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, nil)

	_, err := env.identity.ConvertPhoneToPin(context.Background(), "user-1", "12345")
	assertServiceError(t, err, service.ErrInvalidInput)
}

func TestLookupPIN_ActiveIdentity(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, nil)

	resp, err := env.identity.LookupPIN(context.Background(), "2348012345678")
	if err != nil {
		t.Fatalf("LookupPIN: %v", err)
	}
	if resp.FullName != "Ada Obi" || resp.ProfileCompletion != 55 {
		t.Fatalf("unexpected lookup response: %+v", resp)
	}
	if resp.Email == nil || *resp.Email != "ada@example.com" {
		t.Fatal("real email should be included in the lookup")
	}
}

func TestLookupPIN_AliasEmailIsWithheld(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, func(i *domain.Identity) {
		alias := domain.AliasEmail(i.PhoneHash)
		i.Email = &alias
	})

	resp, err := env.identity.LookupPIN(context.Background(), "2348012345678")
	if err != nil {
		t.Fatalf("LookupPIN: %v", err)
	}
	if resp.Email != nil {
		t.Fatal("alias emails must not leak to business consumers")
	}
}

func TestLookupPIN_InactiveAndUnknownLookAlike(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, func(i *domain.Identity) { i.Status = domain.StatusIncomplete })

	_, inactiveErr := env.identity.LookupPIN(context.Background(), "2348012345678")
	assertServiceError(t, inactiveErr, service.ErrNotFound)

	_, unknownErr := env.identity.LookupPIN(context.Background(), "99999999")
	assertServiceError(t, unknownErr, service.ErrNotFound)
}

func TestSendPhoneOTP_CreatesCodeForNewPhone(t *testing.T) {
	env := newTestEnv(testConfig())
	seedIdentity(t, env, nil)

	resp, err := env.identity.SendPhoneOTP(context.Background(), "user-1", "+2348011112222", "203.0.113.7")
	if err != nil {
		t.Fatalf("SendPhoneOTP: %v", err)
	}
	if !resp.Success || resp.ExpiresIn != 600 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.DevOTP == "" {
		t.Fatal("dev mode should surface the OTP")
	}
	if got := len(env.jobRepo.ofType(domain.JobSendOTP)); got != 1 {
		t.Fatalf("expected 1 send_otp job, got %d", got)
	}
}

func TestSendPhoneOTP_UnknownUser(t *testing.T) {
	env := newTestEnv(testConfig())

	_, err := env.identity.SendPhoneOTP(context.Background(), "ghost", "+2348011112222", "")
	assertServiceError(t, err, service.ErrUnauthorized)
}

func TestVerifyPhone_UpdatesPhoneOnMatch(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	seedIdentity(t, env, nil)

	resp, err := env.identity.SendPhoneOTP(ctx, "user-1", "+2348011112222", "")
	if err != nil {
		t.Fatalf("SendPhoneOTP: %v", err)
	}

	if err := env.identity.VerifyPhone(ctx, "user-1", "+2348011112222", resp.DevOTP, ""); err != nil {
		t.Fatalf("VerifyPhone: %v", err)
	}

	identity, _ := env.identityRepo.FindByID(ctx, "user-1")
	if identity.PhoneHash != crypto.Hash("+2348011112222", "test-salt") {
		t.Fatal("phone hash was not rotated to the verified number")
	}
	if env.auditRepo.countType(domain.EventPhoneVerified) != 1 {
		t.Fatal("expected a phone_verified audit event")
	}
}

func TestVerifyPhone_WrongCode(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	seedIdentity(t, env, nil)

	resp, err := env.identity.SendPhoneOTP(ctx, "user-1", "+2348011112222", "")
	if err != nil {
		t.Fatalf("SendPhoneOTP: %v", err)
	}

	wrong := "000000"
	if wrong == resp.DevOTP {
		wrong = "000001"
	}
	verifyErr := env.identity.VerifyPhone(ctx, "user-1", "+2348011112222", wrong, "")
	assertServiceError(t, verifyErr, service.ErrInvalidOTP)
}

func TestVerifyPhone_ConflictWithOtherIdentity(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	seedIdentity(t, env, nil)
	seedIdentity(t, env, func(i *domain.Identity) {
		i.UserID = "user-2"
		i.PhoneHash = crypto.Hash("+2348011112222", "test-salt")
		i.PIN = "2348011112222"
	})

	resp, err := env.identity.SendPhoneOTP(ctx, "user-1", "+2348011112222", "")
	if err != nil {
		t.Fatalf("SendPhoneOTP: %v", err)
	}

	verifyErr := env.identity.VerifyPhone(ctx, "user-1", "+2348011112222", resp.DevOTP, "")
	assertServiceError(t, verifyErr, service.ErrPhoneConflict)
}
