package service_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coreidpin/coreidpin-sub005/internal/audit"
	"github.com/coreidpin/coreidpin-sub005/internal/domain"
	"github.com/coreidpin/coreidpin-sub005/internal/jobs"
	"github.com/coreidpin/coreidpin-sub005/internal/repository"
	"github.com/coreidpin/coreidpin-sub005/internal/service"
	"github.com/coreidpin/coreidpin-sub005/pkg/config"
	"github.com/coreidpin/coreidpin-sub005/pkg/crypto"
	"github.com/coreidpin/coreidpin-sub005/pkg/events"
)

// ---------- Mocks ----------

type mockRegRepo struct {
	mu   sync.Mutex
	regs map[string]*domain.Registration
}

func newMockRegRepo() *mockRegRepo {
	return &mockRegRepo{regs: make(map[string]*domain.Registration)}
}

func (m *mockRegRepo) Upsert(_ context.Context, reg *domain.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *reg
	m.regs[reg.RegToken] = &cp
	return nil
}

func (m *mockRegRepo) FindByToken(_ context.Context, token string) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[token]
	if !ok {
		return nil, nil
	}
	cp := *reg
	return &cp, nil
}

func (m *mockRegRepo) MarkOTPVerified(_ context.Context, token, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[token]
	if !ok {
		return fmt.Errorf("registration %s not found", token)
	}
	reg.OTPVerified = true
	reg.UserID = &userID
	return nil
}

func (m *mockRegRepo) SaveProfile(_ context.Context, token string, data domain.ProfileData, stage string) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[token]
	if !ok {
		return nil, nil
	}
	reg.Data = data
	reg.ProgressStage = stage
	cp := *reg
	return &cp, nil
}

type otpRow struct {
	contactHash string
	otpHash     string
	attempts    int
	used        bool
	expiresAt   time.Time
	createdAt   time.Time
}

type mockOTPRepo struct {
	mu   sync.Mutex
	rows []*otpRow
}

func newMockOTPRepo() *mockOTPRepo {
	return &mockOTPRepo{}
}

func (m *mockOTPRepo) Create(_ context.Context, contactHash, otpHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, &otpRow{
		contactHash: contactHash,
		otpHash:     otpHash,
		expiresAt:   expiresAt,
		createdAt:   time.Now(),
	})
	return nil
}

func (m *mockOTPRepo) CountCreatedSince(_ context.Context, contactHash string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, row := range m.rows {
		if row.contactHash == contactHash && !row.createdAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockOTPRepo) Attempt(_ context.Context, contactHash, otpHash string, maxAttempts int) (domain.AttemptOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var live *otpRow
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].contactHash == contactHash {
			live = m.rows[i]
			break
		}
	}
	if live == nil {
		return domain.AttemptNoPendingCode, nil
	}

	switch {
	case live.used:
		return domain.AttemptAlreadyUsed, nil
	case time.Now().After(live.expiresAt):
		return domain.AttemptExpired, nil
	case live.attempts >= maxAttempts:
		return domain.AttemptLimitExceeded, nil
	}

	live.attempts++
	if live.otpHash == otpHash {
		live.used = true
		return domain.AttemptMatched, nil
	}
	return domain.AttemptMismatched, nil
}

func (m *mockOTPRepo) expireAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		row.expiresAt = time.Now().Add(-time.Minute)
	}
}

type mockIdentityRepo struct {
	mu             sync.Mutex
	byID           map[string]*domain.Identity
	updatePhoneErr error
}

func newMockIdentityRepo() *mockIdentityRepo {
	return &mockIdentityRepo{byID: make(map[string]*domain.Identity)}
}

func (m *mockIdentityRepo) Create(_ context.Context, identity *domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.PhoneHash == identity.PhoneHash || existing.PIN == identity.PIN {
			return repository.ErrDuplicate
		}
	}
	cp := *identity
	m.byID[identity.UserID] = &cp
	return nil
}

func (m *mockIdentityRepo) FindByID(_ context.Context, userID string) (*domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.byID[userID]
	if !ok {
		return nil, nil
	}
	cp := *identity
	return &cp, nil
}

func (m *mockIdentityRepo) FindByPhoneHash(_ context.Context, phoneHash string) (*domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.byID {
		if identity.PhoneHash == phoneHash {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockIdentityRepo) FindByPIN(_ context.Context, pin string) (*domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.byID {
		if identity.PIN == pin {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockIdentityRepo) PINExists(_ context.Context, pin string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.byID {
		if identity.PIN == pin {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockIdentityRepo) Activate(_ context.Context, userID string) error {
	return m.update(userID, func(i *domain.Identity) error {
		i.Status = domain.StatusActive
		return nil
	})
}

func (m *mockIdentityRepo) SetProfileCompletion(_ context.Context, userID string, completion int) error {
	return m.update(userID, func(i *domain.Identity) error {
		i.ProfileCompletion = completion
		return nil
	})
}

func (m *mockIdentityRepo) SetEmailVerified(_ context.Context, userID string) error {
	return m.update(userID, func(i *domain.Identity) error {
		i.EmailVerified = true
		return nil
	})
}

func (m *mockIdentityRepo) MarkWelcomeEmailSent(_ context.Context, userID string) error {
	return m.update(userID, func(i *domain.Identity) error {
		i.WelcomeEmailSent = true
		return nil
	})
}

func (m *mockIdentityRepo) UpdatePIN(_ context.Context, userID, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, identity := range m.byID {
		if identity.PIN == pin && id != userID {
			return repository.ErrDuplicate
		}
	}
	identity, ok := m.byID[userID]
	if !ok {
		return fmt.Errorf("identity %s not found", userID)
	}
	identity.PIN = pin
	return nil
}

func (m *mockIdentityRepo) UpdatePhone(_ context.Context, userID, phoneEncrypted, phoneHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updatePhoneErr != nil {
		return m.updatePhoneErr
	}
	for id, identity := range m.byID {
		if identity.PhoneHash == phoneHash && id != userID {
			return repository.ErrDuplicate
		}
	}
	identity, ok := m.byID[userID]
	if !ok {
		return fmt.Errorf("identity %s not found", userID)
	}
	identity.PhoneEncrypted = phoneEncrypted
	identity.PhoneHash = phoneHash
	return nil
}

func (m *mockIdentityRepo) update(userID string, fn func(*domain.Identity) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.byID[userID]
	if !ok {
		return fmt.Errorf("identity %s not found", userID)
	}
	return fn(identity)
}

type verifyToken struct {
	userID    string
	expiresAt time.Time
	used      bool
}

type mockVerifyRepo struct {
	mu     sync.Mutex
	tokens map[string]*verifyToken
}

func newMockVerifyRepo() *mockVerifyRepo {
	return &mockVerifyRepo{tokens: make(map[string]*verifyToken)}
}

func (m *mockVerifyRepo) CreateEmailVerification(_ context.Context, userID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = &verifyToken{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockVerifyRepo) ConsumeEmailVerification(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vt, ok := m.tokens[token]
	if !ok || vt.used || time.Now().After(vt.expiresAt) {
		return "", nil
	}
	vt.used = true
	return vt.userID, nil
}

func (m *mockVerifyRepo) DeleteExpiredTokens(context.Context) (int64, error) { return 0, nil }

type mockRedis struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
	idem      map[string]string
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		cooldowns: make(map[string]time.Time),
		idem:      make(map[string]string),
	}
}

func (m *mockRedis) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.cooldowns[key]; ok && time.Now().Before(until) {
		return false, nil
	}
	m.cooldowns[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *mockRedis) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idem[key], nil
}

func (m *mockRedis) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[key] = value
	return nil
}

type mockJobRepo struct {
	mu     sync.Mutex
	nextID int64
	jobs   []*domain.Job
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{nextID: 1}
}

func (m *mockJobRepo) Enqueue(_ context.Context, jobType, payloadEncrypted string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &domain.Job{
		ID:               m.nextID,
		JobType:          jobType,
		PayloadEncrypted: payloadEncrypted,
		Status:           domain.JobPending,
		RunAfter:         time.Now(),
		CreatedAt:        time.Now(),
	}
	m.nextID++
	m.jobs = append(m.jobs, job)
	cp := *job
	return &cp, nil
}

// Claim is inert in service tests: jobs stay pending so assertions can read
// their payloads. Queue behavior has its own tests.
func (m *mockJobRepo) Claim(context.Context, int) ([]domain.Job, error) { return nil, nil }

func (m *mockJobRepo) MarkDone(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ID == jobID {
			job.Status = domain.JobDone
		}
	}
	return nil
}

func (m *mockJobRepo) MarkFailed(_ context.Context, jobID int64, delay time.Duration, maxTries int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ID == jobID {
			if job.TryCount >= maxTries {
				job.Status = domain.JobDead
			} else {
				job.Status = domain.JobPending
			}
			job.RunAfter = time.Now().Add(delay)
			job.LastError = &errMsg
		}
	}
	return nil
}

func (m *mockJobRepo) ofType(jobType string) []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		if job.JobType == jobType {
			out = append(out, *job)
		}
	}
	return out
}

type mockAuditRepo struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func newMockAuditRepo() *mockAuditRepo {
	return &mockAuditRepo{}
}

func (m *mockAuditRepo) Append(_ context.Context, event domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.CreatedAt = time.Now()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAuditRepo) SummarySince(_ context.Context, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := make(map[string]int)
	for _, e := range m.events {
		if !e.CreatedAt.Before(since) {
			summary[e.EventType]++
		}
	}
	return summary, nil
}

func (m *mockAuditRepo) CountByTypeSince(_ context.Context, eventType string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.events {
		if e.EventType == eventType && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockAuditRepo) CountByIPSince(_ context.Context, eventType string, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range m.events {
		if e.EventType == eventType && e.IP != "" && !e.CreatedAt.Before(since) {
			counts[e.IP]++
		}
	}
	return counts, nil
}

func (m *mockAuditRepo) countType(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			count++
		}
	}
	return count
}

type mockMailer struct {
	mu    sync.Mutex
	sends []string // "to|subject"
	err   error
}

func (m *mockMailer) Send(toEmail, _, subject, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, toEmail+"|"+subject)
	return m.err
}

type mockSMS struct {
	mu    sync.Mutex
	sends []string // "phone|message"
	err   error
}

func (m *mockSMS) Send(_ context.Context, phone, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, phone+"|"+message)
	return m.err
}

// ---------- Test environment ----------

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.Server{PublicBaseURL: "http://localhost:8080"},
		Auth: config.Auth{
			JWTSecret:      "test-secret",
			AccessTokenTTL: 15 * time.Minute,
			EmailVerifyTTL: 48 * time.Hour,
		},
		OTP: config.OTP{
			TTL:             10 * time.Minute,
			ResendCooldown:  0,
			MaxSendsPerHour: 3,
			MaxAttempts:     5,
		},
		Phone: config.Phone{
			DefaultCountryCode: "+234",
			ServerSalt:         "test-salt",
			EncryptionKey:      testKey(),
		},
		PIN:    config.PIN{Mode: config.PINModePhone},
		Jobs:   config.Jobs{MaxTries: 3, RetryDelay: time.Minute, SweepInterval: time.Minute},
		SMS:    config.SMS{DevMode: true},
		Email:  config.Email{DevMode: true},
		Alerts: config.Alerts{OTPFailedThreshold: 10, RegStartIPThreshold: 50, EmailFailedThreshold: 5},
	}
}

type testEnv struct {
	regRepo      *mockRegRepo
	otpRepo      *mockOTPRepo
	identityRepo *mockIdentityRepo
	verifyRepo   *mockVerifyRepo
	jobRepo      *mockJobRepo
	auditRepo    *mockAuditRepo
	redis        *mockRedis
	mailer       *mockMailer
	sms          *mockSMS
	cfg          *config.Config
	registration service.RegistrationService
	identity     service.IdentityService
}

func newTestEnv(cfg *config.Config) *testEnv {
	env := &testEnv{
		regRepo:      newMockRegRepo(),
		otpRepo:      newMockOTPRepo(),
		identityRepo: newMockIdentityRepo(),
		verifyRepo:   newMockVerifyRepo(),
		jobRepo:      newMockJobRepo(),
		auditRepo:    newMockAuditRepo(),
		redis:        newMockRedis(),
		mailer:       &mockMailer{},
		sms:          &mockSMS{},
		cfg:          cfg,
	}

	queue := jobs.NewQueue(env.jobRepo, env.identityRepo, env.auditRepo, env.mailer, env.sms, cfg)
	auditSvc := audit.NewService(env.auditRepo, events.NopPublisher{}, cfg.Alerts)

	env.registration = service.NewRegistrationService(
		env.regRepo, env.otpRepo, env.identityRepo, env.verifyRepo,
		env.redis, env.redis, queue, auditSvc, cfg,
	)
	env.identity = service.NewIdentityService(
		env.identityRepo, env.verifyRepo, env.otpRepo,
		env.redis, queue, auditSvc, cfg,
	)
	return env
}

// lastOTP decrypts the payload of the most recent queued send_otp job.
func (e *testEnv) lastOTP(t *testing.T) string {
	t.Helper()
	queued := e.jobRepo.ofType(domain.JobSendOTP)
	if len(queued) == 0 {
		t.Fatal("no send_otp job was enqueued")
	}
	raw, err := crypto.Decrypt(queued[len(queued)-1].PayloadEncrypted, e.cfg.Phone.EncryptionKey)
	if err != nil {
		t.Fatalf("decrypt OTP payload: %v", err)
	}
	var payload domain.SendOTPPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal OTP payload: %v", err)
	}
	return payload.OTP
}

func assertServiceError(t *testing.T, err error, want *service.Error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want.Code)
	}
	svcErr, ok := err.(*service.Error)
	if !ok {
		t.Fatalf("expected *service.Error, got %T: %v", err, err)
	}
	if svcErr.Code != want.Code {
		t.Fatalf("expected error code %q, got %q", want.Code, svcErr.Code)
	}
}
