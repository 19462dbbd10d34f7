package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
	"github.com/coreidpin/coreidpin-sub005/internal/mailer"
	"github.com/coreidpin/coreidpin-sub005/internal/repository"
	"github.com/coreidpin/coreidpin-sub005/internal/sms"
	"github.com/coreidpin/coreidpin-sub005/pkg/config"
	"github.com/coreidpin/coreidpin-sub005/pkg/crypto"
	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

// Queue decouples SMS/email dispatch from the request path. Payloads are
// encrypted at rest; failed jobs return to pending with a delayed run_after
// until they exhaust the try budget.
type Queue struct {
	jobRepo      repository.JobRepository
	identityRepo repository.IdentityRepository
	auditRepo    repository.AuditRepository
	mailer       mailer.Service
	sms          sms.Sender
	key          string
	retryDelay   time.Duration
	maxTries     int
}

func NewQueue(
	jobRepo repository.JobRepository,
	identityRepo repository.IdentityRepository,
	auditRepo repository.AuditRepository,
	mailerSvc mailer.Service,
	smsSender sms.Sender,
	cfg *config.Config,
) *Queue {
	return &Queue{
		jobRepo:      jobRepo,
		identityRepo: identityRepo,
		auditRepo:    auditRepo,
		mailer:       mailerSvc,
		sms:          smsSender,
		key:          cfg.Phone.EncryptionKey,
		retryDelay:   cfg.Jobs.RetryDelay,
		maxTries:     cfg.Jobs.MaxTries,
	}
}

// Enqueue serializes and encrypts the payload, then inserts a pending job.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (*domain.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	encrypted, err := crypto.Encrypt(raw, q.key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt job payload: %w", err)
	}

	job, err := q.jobRepo.Enqueue(ctx, jobType, encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

// Kick starts a best-effort queue sweep without blocking the caller. The
// sweep runs on a detached context so the HTTP response never waits on
// delivery.
func (q *Queue) Kick() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := q.Process(ctx, 10); err != nil {
			logger.Warn("Background job sweep failed", "error", err)
		}
	}()
}

// Process claims up to limit due jobs and executes them. Each job is claimed
// exclusively; failures go back to pending with run_after pushed out.
func (q *Queue) Process(ctx context.Context, limit int) (int, error) {
	claimed, err := q.jobRepo.Claim(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}

	processed := 0
	for _, job := range claimed {
		if err := q.execute(ctx, job); err != nil {
			logger.WarnContext(ctx, "Job execution failed",
				"job_id", job.ID, "job_type", job.JobType, "try", job.TryCount, "error", err)
			if mErr := q.jobRepo.MarkFailed(ctx, job.ID, q.retryDelay, q.maxTries, err.Error()); mErr != nil {
				logger.ErrorContext(ctx, "Failed to record job failure", "job_id", job.ID, "error", mErr)
			}
			continue
		}
		if err := q.jobRepo.MarkDone(ctx, job.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to mark job done", "job_id", job.ID, "error", err)
			continue
		}
		processed++
	}

	return processed, nil
}

func (q *Queue) execute(ctx context.Context, job domain.Job) error {
	raw, err := crypto.Decrypt(job.PayloadEncrypted, q.key)
	if err != nil {
		return fmt.Errorf("failed to decrypt payload: %w", err)
	}

	switch job.JobType {
	case domain.JobSendOTP:
		return q.sendOTP(ctx, raw)
	case domain.JobSendEmail:
		return q.sendEmail(ctx, raw)
	case domain.JobAnchorChain:
		return q.anchorChain(ctx, raw)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (q *Queue) sendOTP(ctx context.Context, raw []byte) error {
	var payload domain.SendOTPPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	message := fmt.Sprintf("Your CoreID verification code is %s. It expires shortly; never share it.", payload.OTP)
	return withRetry(ctx, func(ctx context.Context) error {
		return q.sms.Send(ctx, payload.Phone, message)
	})
}

func (q *Queue) sendEmail(ctx context.Context, raw []byte) error {
	var payload domain.SendEmailPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	isWelcome := strings.Contains(payload.Subject, "Welcome") && payload.UserID != ""

	err := withRetry(ctx, func(context.Context) error {
		return q.mailer.Send(payload.To, payload.Name, payload.Subject, payload.Text, payload.HTML)
	})
	if err != nil {
		if isWelcome {
			q.audit(ctx, domain.EventWelcomeEmailFailed, &payload.UserID, map[string]string{"error": err.Error()})
		}
		return err
	}

	if isWelcome {
		if err := q.identityRepo.MarkWelcomeEmailSent(ctx, payload.UserID); err != nil {
			logger.WarnContext(ctx, "Failed to flag welcome email", "user_id", payload.UserID, "error", err)
		}
		q.audit(ctx, domain.EventWelcomeEmailSent, &payload.UserID, nil)
	}
	return nil
}

// anchorChain is a placeholder for the external identity-anchoring step. It
// records completion so deferred finalization still leaves an audit trail.
func (q *Queue) anchorChain(ctx context.Context, raw []byte) error {
	var payload domain.AnchorChainPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Anchor placeholder executed", "user_id", payload.UserID)
	q.audit(ctx, domain.EventRegistrationFinalized, &payload.UserID, map[string]string{"anchored": "true"})
	return nil
}

func (q *Queue) audit(ctx context.Context, eventType string, userID *string, meta map[string]string) {
	if err := q.auditRepo.Append(ctx, domain.AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Meta:      meta,
	}); err != nil {
		logger.WarnContext(ctx, "Failed to append audit event", "event_type", eventType, "error", err)
	}
}
