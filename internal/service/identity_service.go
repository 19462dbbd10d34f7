package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreidpin/coreidpin-sub005/internal/audit"
	"github.com/coreidpin/coreidpin-sub005/internal/domain"
	"github.com/coreidpin/coreidpin-sub005/internal/jobs"
	"github.com/coreidpin/coreidpin-sub005/internal/repository"
	"github.com/coreidpin/coreidpin-sub005/pkg/config"
	"github.com/coreidpin/coreidpin-sub005/pkg/crypto"
	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

type IdentityService interface {
	Me(ctx context.Context, userID string) (*domain.MeResponse, error)
	VerifyEmail(ctx context.Context, token string) error
	// ConvertPhoneToPin replaces an issued PIN with the digits of a phone
	// number the caller owns. This is the only supported path for changing a
	// PIN after issuance.
	ConvertPhoneToPin(ctx context.Context, userID, phoneNumber string) (*domain.ConvertPhoneResponse, error)
	// LookupPIN serves business API consumers. Inactive and unknown PINs are
	// indistinguishable in the response.
	LookupPIN(ctx context.Context, pin string) (*domain.VerifyPINResponse, error)
	SendPhoneOTP(ctx context.Context, userID, phone, clientIP string) (*domain.SendPhoneOTPResponse, error)
	VerifyPhone(ctx context.Context, userID, phone, otp, clientIP string) error
}

type identityService struct {
	identityRepo repository.IdentityRepository
	verifyRepo   repository.VerifyRepository
	otpRepo      repository.OTPRepository
	cooldown     repository.CooldownStore
	queue        *jobs.Queue
	audit        *audit.Service
	config       *config.Config
}

func NewIdentityService(
	identityRepo repository.IdentityRepository,
	verifyRepo repository.VerifyRepository,
	otpRepo repository.OTPRepository,
	cooldown repository.CooldownStore,
	queue *jobs.Queue,
	auditSvc *audit.Service,
	config *config.Config,
) IdentityService {
	return &identityService{
		identityRepo: identityRepo,
		verifyRepo:   verifyRepo,
		otpRepo:      otpRepo,
		cooldown:     cooldown,
		queue:        queue,
		audit:        auditSvc,
		config:       config,
	}
}

func (s *identityService) Me(ctx context.Context, userID string) (*domain.MeResponse, error) {
	identity, err := s.identityRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, ErrUnauthorized
	}

	return &domain.MeResponse{
		PIN:               identity.PIN,
		Status:            identity.Status,
		ProfileCompletion: identity.ProfileCompletion,
		EmailVerified:     identity.EmailVerified,
		WelcomeEmailSent:  identity.WelcomeEmailSent,
	}, nil
}

func (s *identityService) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidOrExpired
	}

	userID, err := s.verifyRepo.ConsumeEmailVerification(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to consume verification token: %w", err)
	}
	if userID == "" {
		return ErrInvalidOrExpired
	}

	if err := s.identityRepo.SetEmailVerified(ctx, userID); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}

	s.audit.Record(ctx, domain.EventEmailVerified, &userID, "", nil)
	return nil
}

func (s *identityService) ConvertPhoneToPin(ctx context.Context, userID, phoneNumber string) (*domain.ConvertPhoneResponse, error) {
	identity, err := s.identityRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, ErrNotFound
	}

	newPIN := crypto.DigitsOnly(phoneNumber)
	if len(newPIN) < 7 {
		return nil, invalidInput("phoneNumber must contain at least 7 digits")
	}

	if newPIN == identity.PIN {
		return &domain.ConvertPhoneResponse{Success: true, PINNumber: newPIN}, nil
	}

	holder, err := s.identityRepo.FindByPIN(ctx, newPIN)
	if err != nil {
		return nil, fmt.Errorf("failed to check PIN availability: %w", err)
	}
	if holder != nil && holder.UserID != userID {
		return nil, ErrPINConflict
	}

	if err := s.identityRepo.UpdatePIN(ctx, userID, newPIN); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrPINConflict
		}
		return nil, fmt.Errorf("failed to update PIN: %w", err)
	}

	s.audit.Record(ctx, domain.EventPINConvertedToPhone, &userID, "", map[string]string{
		"old_pin": identity.PIN,
		"new_pin": newPIN,
	})

	return &domain.ConvertPhoneResponse{Success: true, PINNumber: newPIN}, nil
}

func (s *identityService) LookupPIN(ctx context.Context, pin string) (*domain.VerifyPINResponse, error) {
	if pin == "" {
		return nil, ErrNotFound
	}

	identity, err := s.identityRepo.FindByPIN(ctx, pin)
	if err != nil {
		return nil, fmt.Errorf("failed to look up PIN: %w", err)
	}
	if identity == nil || !identity.IsActive() {
		return nil, ErrNotFound
	}

	resp := &domain.VerifyPINResponse{
		PIN:               identity.PIN,
		FullName:          identity.FullName,
		EmailVerified:     identity.EmailVerified,
		ProfileCompletion: identity.ProfileCompletion,
	}
	if identity.HasRealEmail() {
		resp.Email = identity.Email
	}
	return resp, nil
}

func (s *identityService) SendPhoneOTP(ctx context.Context, userID, phone, clientIP string) (*domain.SendPhoneOTPResponse, error) {
	identity, err := s.identityRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, ErrUnauthorized
	}

	normalized, err := crypto.NormalizePhone(phone, s.config.Phone.DefaultCountryCode)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	phoneHash := crypto.Hash(normalized, s.config.Phone.ServerSalt)

	if s.config.OTP.ResendCooldown > 0 {
		acquired, err := s.cooldown.TryAcquire(ctx, "otp:send:"+phoneHash, s.config.OTP.ResendCooldown)
		if err != nil {
			logger.WarnContext(ctx, "Cooldown check failed", "error", err)
		} else if !acquired {
			return nil, ErrRateLimited
		}
	}

	sent, err := s.otpRepo.CountCreatedSince(ctx, phoneHash, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to check send rate: %w", err)
	}
	if sent >= s.config.OTP.MaxSendsPerHour {
		return nil, ErrRateLimited
	}

	otp, err := generateOTP()
	if err != nil {
		return nil, fmt.Errorf("failed to generate OTP: %w", err)
	}
	if err := s.otpRepo.Create(ctx, phoneHash, crypto.Hash(otp, s.config.Phone.ServerSalt), time.Now().Add(s.config.OTP.TTL)); err != nil {
		return nil, fmt.Errorf("failed to store OTP: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, domain.JobSendOTP, domain.SendOTPPayload{Phone: normalized, OTP: otp}); err != nil {
		logger.ErrorContext(ctx, "Failed to enqueue OTP send", "error", err)
	} else {
		s.audit.Record(ctx, domain.EventOTPSent, &userID, clientIP, nil)
		s.queue.Kick()
	}

	resp := &domain.SendPhoneOTPResponse{
		Success:   true,
		ExpiresIn: int(s.config.OTP.TTL.Seconds()),
	}
	if s.config.SMS.DevMode {
		resp.DevOTP = otp
	}
	return resp, nil
}

func (s *identityService) VerifyPhone(ctx context.Context, userID, phone, otp, clientIP string) error {
	identity, err := s.identityRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return ErrNotFound
	}

	normalized, err := crypto.NormalizePhone(phone, s.config.Phone.DefaultCountryCode)
	if err != nil {
		return ErrInvalidPhone
	}
	phoneHash := crypto.Hash(normalized, s.config.Phone.ServerSalt)

	outcome, err := s.otpRepo.Attempt(ctx, phoneHash, crypto.Hash(otp, s.config.Phone.ServerSalt), s.config.OTP.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to verify OTP: %w", err)
	}

	switch outcome {
	case domain.AttemptNoPendingCode:
		return ErrOTPNotFound
	case domain.AttemptAlreadyUsed:
		return ErrOTPUsed
	case domain.AttemptExpired:
		return ErrOTPExpired
	case domain.AttemptLimitExceeded:
		return ErrAttemptsExceeded
	case domain.AttemptMismatched:
		s.audit.Record(ctx, domain.EventOTPFailed, &userID, clientIP, nil)
		return ErrInvalidOTP
	}

	if phoneHash != identity.PhoneHash {
		encrypted, err := crypto.Encrypt([]byte(normalized), s.config.Phone.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt phone: %w", err)
		}
		if err := s.identityRepo.UpdatePhone(ctx, userID, encrypted, phoneHash); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrPhoneConflict
			}
			return fmt.Errorf("failed to update phone: %w", err)
		}
	}

	s.audit.Record(ctx, domain.EventPhoneVerified, &userID, clientIP, nil)
	return nil
}
