package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
)

type OTPRepository interface {
	Create(ctx context.Context, contactHash, otpHash string, expiresAt time.Time) error
	CountCreatedSince(ctx context.Context, contactHash string, since time.Time) (int, error)
	// Attempt applies one verification attempt against the most recent OTP
	// row for the contact. The attempt counter increment and the used flag
	// are written in a single conditional UPDATE so concurrent calls cannot
	// bypass the attempt ceiling.
	Attempt(ctx context.Context, contactHash, otpHash string, maxAttempts int) (domain.AttemptOutcome, error)
}

type otpRepository struct {
	pool *pgxpool.Pool
}

func NewOTPRepository(pool *pgxpool.Pool) OTPRepository {
	return &otpRepository{pool: pool}
}

func (r *otpRepository) Create(ctx context.Context, contactHash, otpHash string, expiresAt time.Time) error {
	const q = `
		INSERT INTO otps (contact_hash, otp_hash, expires_at)
		VALUES ($1, $2, $3)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q, contactHash, otpHash, expiresAt)
	return err
}

func (r *otpRepository) CountCreatedSince(ctx context.Context, contactHash string, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM otps WHERE contact_hash = $1 AND created_at >= $2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var count int
	err := r.pool.QueryRow(ctx, q, contactHash, since).Scan(&count)
	return count, err
}

func (r *otpRepository) Attempt(ctx context.Context, contactHash, otpHash string, maxAttempts int) (domain.AttemptOutcome, error) {
	// Single-statement claim against the latest row: the row is only
	// touched while it is unused, unexpired, and under the attempt cap.
	const update = `
		WITH live AS (
			SELECT id
			FROM otps
			WHERE contact_hash = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)
		UPDATE otps o
		SET attempts = o.attempts + 1,
		    used = (o.otp_hash = $2)
		FROM live
		WHERE o.id = live.id
		  AND o.used = false
		  AND o.expires_at > now()
		  AND o.attempts < $3
		RETURNING (o.otp_hash = $2)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var matched bool
	err := r.pool.QueryRow(ctx, update, contactHash, otpHash, maxAttempts).Scan(&matched)
	if err == nil {
		if matched {
			return domain.AttemptMatched, nil
		}
		return domain.AttemptMismatched, nil
	}
	if err != pgx.ErrNoRows {
		return "", err
	}

	// The live row was not claimable; classify why for the caller's error
	// code. The classification read cannot un-consume an attempt.
	const classify = `
		SELECT used, expires_at, attempts
		FROM otps
		WHERE contact_hash = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var (
		used      bool
		expiresAt time.Time
		attempts  int
	)
	err = r.pool.QueryRow(ctx, classify, contactHash).Scan(&used, &expiresAt, &attempts)
	if err == pgx.ErrNoRows {
		return domain.AttemptNoPendingCode, nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case used:
		return domain.AttemptAlreadyUsed, nil
	case time.Now().After(expiresAt):
		return domain.AttemptExpired, nil
	case attempts >= maxAttempts:
		return domain.AttemptLimitExceeded, nil
	default:
		// Claimable again by now; a concurrent attempt consumed the state we
		// lost to. Report the conservative outcome.
		return domain.AttemptLimitExceeded, nil
	}
}
