package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/coreidpin/coreidpin-sub005/internal/audit"
	"github.com/coreidpin/coreidpin-sub005/internal/domain"
	"github.com/coreidpin/coreidpin-sub005/internal/jobs"
	"github.com/coreidpin/coreidpin-sub005/internal/mailer"
	"github.com/coreidpin/coreidpin-sub005/internal/repository"
	"github.com/coreidpin/coreidpin-sub005/pkg/auth"
	"github.com/coreidpin/coreidpin-sub005/pkg/config"
	"github.com/coreidpin/coreidpin-sub005/pkg/crypto"
	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

const idempotencyTTL = 24 * time.Hour

type RegistrationService interface {
	Start(ctx context.Context, req *domain.StartRequest, clientIP string) (*domain.StartResponse, error)
	VerifyOTP(ctx context.Context, req *domain.VerifyOTPRequest, clientIP string) (*domain.VerifyOTPResponse, error)
	SaveProfile(ctx context.Context, regToken string, req *domain.SaveProfileRequest) (*domain.SaveProfileResponse, error)
	// Finalize returns deferred=true when completion was handed to an async
	// anchor job; the handler answers 202 in that case.
	Finalize(ctx context.Context, regToken string) (resp *domain.FinalizeResponse, deferred bool, err error)
}

type registrationService struct {
	regRepo      repository.RegistrationRepository
	otpRepo      repository.OTPRepository
	identityRepo repository.IdentityRepository
	verifyRepo   repository.VerifyRepository
	cooldown     repository.CooldownStore
	idempotency  repository.IdempotencyStore
	queue        *jobs.Queue
	audit        *audit.Service
	config       *config.Config
}

func NewRegistrationService(
	regRepo repository.RegistrationRepository,
	otpRepo repository.OTPRepository,
	identityRepo repository.IdentityRepository,
	verifyRepo repository.VerifyRepository,
	cooldown repository.CooldownStore,
	idempotency repository.IdempotencyStore,
	queue *jobs.Queue,
	auditSvc *audit.Service,
	config *config.Config,
) RegistrationService {
	return &registrationService{
		regRepo:      regRepo,
		otpRepo:      otpRepo,
		identityRepo: identityRepo,
		verifyRepo:   verifyRepo,
		cooldown:     cooldown,
		idempotency:  idempotency,
		queue:        queue,
		audit:        auditSvc,
		config:       config,
	}
}

func (s *registrationService) Start(ctx context.Context, req *domain.StartRequest, clientIP string) (*domain.StartResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err.Error())
	}

	phone, err := crypto.NormalizePhone(req.Phone, s.config.Phone.DefaultCountryCode)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	phoneHash := crypto.Hash(phone, s.config.Phone.ServerSalt)

	// Retried requests with the same idempotency key reuse the original
	// registration instead of burning another OTP send.
	if req.IdempotencyKey != "" {
		if regToken, err := s.idempotency.Get(ctx, "register:start:"+req.IdempotencyKey); err != nil {
			logger.WarnContext(ctx, "Idempotency lookup failed", "error", err)
		} else if regToken != "" {
			return &domain.StartResponse{
				RegToken:     regToken,
				OTPExpiresIn: int(s.config.OTP.TTL.Seconds()),
				Message:      "verification code already sent",
			}, nil
		}
	}

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

	phoneEncrypted, err := crypto.Encrypt([]byte(phone), s.config.Phone.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt phone: %w", err)
	}

	regToken := uuid.NewString()
	reg := &domain.Registration{
		RegToken:       regToken,
		PhoneHash:      phoneHash,
		PhoneEncrypted: phoneEncrypted,
		ProgressStage:  domain.StageBasic,
	}
	reg.Data.FullName = &req.FullName
	if req.Email != "" {
		email := req.Email
		reg.Data.Email = &email
	}
	if err := s.regRepo.Upsert(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to create registration: %w", err)
	}

	otp, err := generateOTP()
	if err != nil {
		return nil, fmt.Errorf("failed to generate OTP: %w", err)
	}
	expiresAt := time.Now().Add(s.config.OTP.TTL)
	if err := s.otpRepo.Create(ctx, phoneHash, crypto.Hash(otp, s.config.Phone.ServerSalt), expiresAt); err != nil {
		return nil, fmt.Errorf("failed to store OTP: %w", err)
	}

	s.audit.Record(ctx, domain.EventRegistrationStarted, nil, clientIP, map[string]string{"reg_token": regToken})

	if _, err := s.queue.Enqueue(ctx, domain.JobSendOTP, domain.SendOTPPayload{Phone: phone, OTP: otp}); err != nil {
		logger.ErrorContext(ctx, "Failed to enqueue OTP send", "error", err)
	} else {
		s.audit.Record(ctx, domain.EventOTPSent, nil, clientIP, nil)
		s.queue.Kick()
	}

	if req.IdempotencyKey != "" {
		if err := s.idempotency.Set(ctx, "register:start:"+req.IdempotencyKey, regToken, idempotencyTTL); err != nil {
			logger.WarnContext(ctx, "Idempotency store failed", "error", err)
		}
	}

	return &domain.StartResponse{
		RegToken:     regToken,
		OTPExpiresIn: int(s.config.OTP.TTL.Seconds()),
		Message:      "verification code sent",
	}, nil
}

func (s *registrationService) VerifyOTP(ctx context.Context, req *domain.VerifyOTPRequest, clientIP string) (*domain.VerifyOTPResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err.Error())
	}

	reg, err := s.regRepo.FindByToken(ctx, req.RegToken)
	if err != nil {
		return nil, fmt.Errorf("failed to look up registration: %w", err)
	}
	if reg == nil {
		return nil, ErrInvalidRegToken
	}

	outcome, err := s.otpRepo.Attempt(ctx, reg.PhoneHash, crypto.Hash(req.OTP, s.config.Phone.ServerSalt), s.config.OTP.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to verify OTP: %w", err)
	}

	switch outcome {
	case domain.AttemptNoPendingCode:
		return nil, ErrOTPNotFound
	case domain.AttemptAlreadyUsed:
		return nil, ErrOTPUsed
	case domain.AttemptExpired:
		return nil, ErrOTPExpired
	case domain.AttemptLimitExceeded:
		return nil, ErrAttemptsExceeded
	case domain.AttemptMismatched:
		s.audit.Record(ctx, domain.EventOTPFailed, nil, clientIP, map[string]string{"reg_token": reg.RegToken})
		return nil, ErrInvalidOTP
	case domain.AttemptMatched:
		// fall through
	default:
		return nil, fmt.Errorf("unexpected attempt outcome %q", outcome)
	}

	identity, userExists, err := s.resolveIdentity(ctx, reg)
	if err != nil {
		return nil, err
	}

	if reg.UserID == nil || *reg.UserID != identity.UserID {
		if err := s.regRepo.MarkOTPVerified(ctx, reg.RegToken, identity.UserID); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
	}

	s.audit.Record(ctx, domain.EventOTPVerified, &identity.UserID, clientIP, nil)

	return &domain.VerifyOTPResponse{
		RegistrationToken: reg.RegToken,
		Next:              "complete_profile",
		UserExists:        userExists,
		PIN:               identity.PIN,
	}, nil
}

// resolveIdentity reuses the identity already holding this phone, or creates
// a new one with a freshly issued PIN.
func (s *registrationService) resolveIdentity(ctx context.Context, reg *domain.Registration) (*domain.Identity, bool, error) {
	if reg.UserID != nil {
		identity, err := s.identityRepo.FindByID(ctx, *reg.UserID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load linked identity: %w", err)
		}
		if identity != nil {
			return identity, true, nil
		}
	}

	identity, err := s.identityRepo.FindByPhoneHash(ctx, reg.PhoneHash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up identity: %w", err)
	}
	if identity != nil {
		return identity, true, nil
	}

	phoneRaw, err := crypto.Decrypt(reg.PhoneEncrypted, s.config.Phone.EncryptionKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to recover phone: %w", err)
	}
	phone := string(phoneRaw)

	pin, err := s.issuePIN(ctx, phone, reg.RegToken)
	if err != nil {
		return nil, false, err
	}

	fullName := ""
	if reg.Data.FullName != nil {
		fullName = *reg.Data.FullName
	}

	email := domain.AliasEmail(reg.PhoneHash)
	realEmail := reg.Data.Email != nil && *reg.Data.Email != ""
	if realEmail {
		email = *reg.Data.Email
	}

	identity = &domain.Identity{
		UserID:         uuid.NewString(),
		FullName:       fullName,
		Email:          &email,
		PhoneEncrypted: reg.PhoneEncrypted,
		PhoneHash:      reg.PhoneHash,
		PIN:            pin,
		Status:         domain.StatusIncomplete,
	}

	if err := s.identityRepo.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with a concurrent verification for the same phone;
			// the winner's identity is authoritative.
			existing, ferr := s.identityRepo.FindByPhoneHash(ctx, reg.PhoneHash)
			if ferr != nil {
				return nil, false, fmt.Errorf("failed to resolve concurrent identity: %w", ferr)
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create identity: %w", err)
	}

	s.audit.Record(ctx, domain.EventPINIssued, &identity.UserID, "", map[string]string{"mode": s.config.PIN.Mode})

	if realEmail {
		s.sendVerificationEmail(ctx, identity.UserID, email, fullName)
	}

	return identity, false, nil
}

func (s *registrationService) issuePIN(ctx context.Context, phone, regToken string) (string, error) {
	if s.config.PIN.Mode != config.PINModeDerived {
		return crypto.DigitsOnly(phone), nil
	}

	// Derived mode: short codes can collide, so probe before use.
	for attempt := 0; attempt < 5; attempt++ {
		pin := derivePIN(regToken, attempt)
		exists, err := s.identityRepo.PINExists(ctx, pin)
		if err != nil {
			return "", fmt.Errorf("failed to check PIN uniqueness: %w", err)
		}
		if !exists {
			return pin, nil
		}
	}
	return "", fmt.Errorf("failed to derive a unique PIN")
}

func (s *registrationService) sendVerificationEmail(ctx context.Context, userID, email, name string) {
	token := uuid.NewString()
	expiresAt := time.Now().Add(s.config.Auth.EmailVerifyTTL)
	if err := s.verifyRepo.CreateEmailVerification(ctx, userID, token, expiresAt); err != nil {
		logger.ErrorContext(ctx, "Failed to create email verification token", "user_id", userID, "error", err)
		return
	}

	verifyURL := fmt.Sprintf("%s/verify-email?token=%s", s.config.Server.PublicBaseURL, token)
	_, err := s.queue.Enqueue(ctx, domain.JobSendEmail, domain.SendEmailPayload{
		To:      email,
		Name:    name,
		Subject: mailer.VerifySubject,
		Text:    mailer.VerifyText(name, verifyURL),
		HTML:    mailer.VerifyHTML(name, verifyURL),
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to enqueue verification email", "user_id", userID, "error", err)
		return
	}
	s.queue.Kick()
}

func (s *registrationService) SaveProfile(ctx context.Context, regToken string, req *domain.SaveProfileRequest) (*domain.SaveProfileResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err.Error())
	}

	reg, err := s.regRepo.FindByToken(ctx, regToken)
	if err != nil {
		return nil, fmt.Errorf("failed to look up registration: %w", err)
	}
	if reg == nil {
		return nil, ErrInvalidRegHeader
	}

	merged := reg.Data
	merged.Merge(req.Data)

	if _, err := s.regRepo.SaveProfile(ctx, regToken, merged, req.Stage); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}

	completion := 0
	if reg.UserID != nil {
		identity, err := s.identityRepo.FindByID(ctx, *reg.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		if identity != nil {
			completion = domain.CompletionScore(identity.FullName, identity.Email, identity.EmailVerified, merged)
			if err := s.identityRepo.SetProfileCompletion(ctx, identity.UserID, completion); err != nil {
				return nil, fmt.Errorf("failed to update completion: %w", err)
			}
		}
	}

	return &domain.SaveProfileResponse{Status: "ok", ProfileCompletion: completion}, nil
}

func (s *registrationService) Finalize(ctx context.Context, regToken string) (*domain.FinalizeResponse, bool, error) {
	reg, err := s.regRepo.FindByToken(ctx, regToken)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up registration: %w", err)
	}
	if reg == nil {
		return nil, false, ErrInvalidRegHeader
	}
	if !reg.OTPVerified || reg.UserID == nil {
		return nil, false, ErrInsufficientData
	}

	identity, err := s.identityRepo.FindByID(ctx, *reg.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, false, ErrInsufficientData
	}

	if err := s.identityRepo.Activate(ctx, identity.UserID); err != nil {
		return nil, false, fmt.Errorf("failed to activate identity: %w", err)
	}

	if identity.HasRealEmail() {
		_, err := s.queue.Enqueue(ctx, domain.JobSendEmail, domain.SendEmailPayload{
			To:      *identity.Email,
			Name:    identity.FullName,
			Subject: mailer.WelcomeSubject,
			Text:    mailer.WelcomeText(identity.FullName, identity.PIN),
			HTML:    mailer.WelcomeHTML(identity.FullName, identity.PIN),
			UserID:  identity.UserID,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to enqueue welcome email", "user_id", identity.UserID, "error", err)
		} else {
			s.queue.Kick()
		}
	}

	if s.config.Jobs.AnchorAsync {
		_, err := s.queue.Enqueue(ctx, domain.JobAnchorChain, domain.AnchorChainPayload{
			UserID: identity.UserID,
			PIN:    identity.PIN,
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to enqueue anchor job: %w", err)
		}
		s.queue.Kick()
		return &domain.FinalizeResponse{Status: "processing"}, true, nil
	}

	s.audit.Record(ctx, domain.EventRegistrationFinalized, &identity.UserID, "", nil)

	email := ""
	if identity.HasRealEmail() {
		email = *identity.Email
	}
	accessToken, err := auth.NewAccessToken(identity.UserID, email, identity.PIN, s.config.Auth.JWTSecret, s.config.Auth.AccessTokenTTL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mint access token: %w", err)
	}

	return &domain.FinalizeResponse{
		AccessToken: accessToken,
		User: &domain.FinalizeUser{
			ID:            identity.UserID,
			PIN:           identity.PIN,
			EmailVerified: identity.EmailVerified,
		},
	}, false, nil
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func derivePIN(regToken string, attempt int) string {
	digits := crypto.DigitsOnly(crypto.Hash(fmt.Sprintf("%s:%d", regToken, attempt), "pin-derivation"))
	for len(digits) < 8 {
		digits += "0"
	}
	return digits[:8]
}
