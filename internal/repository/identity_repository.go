package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
)

// ErrDuplicate maps Postgres unique violations (phone_hash, pin) so services
// can branch on collisions without importing pgconn.
var ErrDuplicate = errors.New("duplicate value")

type IdentityRepository interface {
	Create(ctx context.Context, identity *domain.Identity) error
	FindByID(ctx context.Context, userID string) (*domain.Identity, error)
	FindByPhoneHash(ctx context.Context, phoneHash string) (*domain.Identity, error)
	FindByPIN(ctx context.Context, pin string) (*domain.Identity, error)
	PINExists(ctx context.Context, pin string) (bool, error)
	Activate(ctx context.Context, userID string) error
	SetProfileCompletion(ctx context.Context, userID string, completion int) error
	SetEmailVerified(ctx context.Context, userID string) error
	MarkWelcomeEmailSent(ctx context.Context, userID string) error
	UpdatePIN(ctx context.Context, userID, pin string) error
	UpdatePhone(ctx context.Context, userID, phoneEncrypted, phoneHash string) error
}

type identityRepository struct {
	pool *pgxpool.Pool
}

func NewIdentityRepository(pool *pgxpool.Pool) IdentityRepository {
	return &identityRepository{pool: pool}
}

const identityCols = `user_id, full_name, email, email_verified, phone_encrypted, phone_hash, pin, status,
	profile_completion, welcome_email_sent, welcome_email_sent_at, created_at, updated_at`

func (r *identityRepository) Create(ctx context.Context, identity *domain.Identity) error {
	const q = `
		INSERT INTO identities (user_id, full_name, email, phone_encrypted, phone_hash, pin, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q,
		identity.UserID, identity.FullName, identity.Email,
		identity.PhoneEncrypted, identity.PhoneHash, identity.PIN, identity.Status,
	)
	return mapDuplicate(err)
}

func (r *identityRepository) FindByID(ctx context.Context, userID string) (*domain.Identity, error) {
	const q = `SELECT ` + identityCols + ` FROM identities WHERE user_id = $1`
	return r.findOne(ctx, q, userID)
}

func (r *identityRepository) FindByPhoneHash(ctx context.Context, phoneHash string) (*domain.Identity, error) {
	const q = `SELECT ` + identityCols + ` FROM identities WHERE phone_hash = $1`
	return r.findOne(ctx, q, phoneHash)
}

func (r *identityRepository) FindByPIN(ctx context.Context, pin string) (*domain.Identity, error) {
	const q = `SELECT ` + identityCols + ` FROM identities WHERE pin = $1`
	return r.findOne(ctx, q, pin)
}

func (r *identityRepository) PINExists(ctx context.Context, pin string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM identities WHERE pin = $1)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var exists bool
	err := r.pool.QueryRow(ctx, q, pin).Scan(&exists)
	return exists, err
}

func (r *identityRepository) Activate(ctx context.Context, userID string) error {
	const q = `UPDATE identities SET status = 'active', updated_at = now() WHERE user_id = $1`
	return r.execOne(ctx, q, userID)
}

func (r *identityRepository) SetProfileCompletion(ctx context.Context, userID string, completion int) error {
	const q = `UPDATE identities SET profile_completion = $2, updated_at = now() WHERE user_id = $1`
	return r.execOne(ctx, q, userID, completion)
}

func (r *identityRepository) SetEmailVerified(ctx context.Context, userID string) error {
	const q = `UPDATE identities SET email_verified = true, updated_at = now() WHERE user_id = $1`
	return r.execOne(ctx, q, userID)
}

func (r *identityRepository) MarkWelcomeEmailSent(ctx context.Context, userID string) error {
	const q = `
		UPDATE identities
		SET welcome_email_sent = true, welcome_email_sent_at = now(), updated_at = now()
		WHERE user_id = $1`
	return r.execOne(ctx, q, userID)
}

func (r *identityRepository) UpdatePIN(ctx context.Context, userID, pin string) error {
	const q = `UPDATE identities SET pin = $2, updated_at = now() WHERE user_id = $1`
	return r.execOne(ctx, q, userID, pin)
}

func (r *identityRepository) UpdatePhone(ctx context.Context, userID, phoneEncrypted, phoneHash string) error {
	const q = `
		UPDATE identities
		SET phone_encrypted = $2, phone_hash = $3, updated_at = now()
		WHERE user_id = $1`
	return r.execOne(ctx, q, userID, phoneEncrypted, phoneHash)
}

func (r *identityRepository) findOne(ctx context.Context, q string, arg any) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var i domain.Identity
	err := r.pool.QueryRow(ctx, q, arg).Scan(
		&i.UserID, &i.FullName, &i.Email, &i.EmailVerified,
		&i.PhoneEncrypted, &i.PhoneHash, &i.PIN, &i.Status,
		&i.ProfileCompletion, &i.WelcomeEmailSent, &i.WelcomeEmailSentAt,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *identityRepository) execOne(ctx context.Context, q string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return mapDuplicate(err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func mapDuplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
