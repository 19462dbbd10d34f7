package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
	"github.com/coreidpin/coreidpin-sub005/internal/repository"
	"github.com/coreidpin/coreidpin-sub005/pkg/config"
	"github.com/coreidpin/coreidpin-sub005/pkg/events"
	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

// Service captures append-only audit events and evaluates the anomaly
// thresholds over them. Detection only; it never takes mitigating action.
type Service struct {
	repo      repository.AuditRepository
	publisher events.Publisher
	alerts    config.Alerts
}

func NewService(repo repository.AuditRepository, publisher events.Publisher, alerts config.Alerts) *Service {
	return &Service{repo: repo, publisher: publisher, alerts: alerts}
}

// Record appends an event and fans it out to NATS best-effort. Audit
// persistence failures are logged, never propagated: domain flows must not
// fail because bookkeeping did.
func (s *Service) Record(ctx context.Context, eventType string, userID *string, ip string, meta map[string]string) {
	event := domain.AuditEvent{
		EventType: eventType,
		UserID:    userID,
		IP:        ip,
		Meta:      meta,
	}

	if err := s.repo.Append(ctx, event); err != nil {
		logger.ErrorContext(ctx, "Failed to append audit event", "event_type", eventType, "error", err)
	}

	if subject := subjectFor(eventType); subject != "" {
		if err := s.publisher.Publish(ctx, subject, event); err != nil {
			logger.DebugContext(ctx, "Event publish failed", "subject", subject, "error", err)
		}
	}
}

func (s *Service) Summary(ctx context.Context, hours int) (map[string]int, error) {
	if hours <= 0 || hours > 24*30 {
		hours = 24
	}

	summary, err := s.repo.SummarySince(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit events: %w", err)
	}
	return summary, nil
}

// Alerts evaluates three independent threshold rules over fixed windows.
func (s *Service) Alerts(ctx context.Context) ([]domain.Alert, error) {
	now := time.Now()
	var alerts []domain.Alert

	otpFailed, err := s.repo.CountByTypeSince(ctx, domain.EventOTPFailed, now.Add(-15*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to count otp failures: %w", err)
	}
	if otpFailed >= s.alerts.OTPFailedThreshold {
		alerts = append(alerts, domain.Alert{
			Code:      domain.AlertOTPSpike,
			Count:     otpFailed,
			Threshold: s.alerts.OTPFailedThreshold,
			WindowMin: 15,
		})
	}

	startsByIP, err := s.repo.CountByIPSince(ctx, domain.EventRegistrationStarted, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count registration starts: %w", err)
	}
	for ip, count := range startsByIP {
		if count > s.alerts.RegStartIPThreshold {
			alerts = append(alerts, domain.Alert{
				Code:      domain.AlertRegisterSpikeIP,
				Count:     count,
				Threshold: s.alerts.RegStartIPThreshold,
				WindowMin: 60,
				IP:        ip,
			})
		}
	}

	emailFailed, err := s.repo.CountByTypeSince(ctx, domain.EventWelcomeEmailFailed, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count email failures: %w", err)
	}
	if emailFailed >= s.alerts.EmailFailedThreshold {
		alerts = append(alerts, domain.Alert{
			Code:      domain.AlertWelcomeEmailFailures,
			Count:     emailFailed,
			Threshold: s.alerts.EmailFailedThreshold,
			WindowMin: 60,
		})
	}

	return alerts, nil
}

func subjectFor(eventType string) string {
	switch eventType {
	case domain.EventRegistrationStarted:
		return events.RegistrationStarted
	case domain.EventRegistrationFinalized:
		return events.RegistrationFinalized
	case domain.EventOTPSent:
		return events.OTPSent
	case domain.EventOTPVerified:
		return events.OTPVerified
	case domain.EventOTPFailed:
		return events.OTPFailed
	case domain.EventPINIssued:
		return events.PINIssued
	case domain.EventPINConvertedToPhone:
		return events.PINConverted
	case domain.EventEmailVerified:
		return events.EmailVerified
	default:
		return ""
	}
}
