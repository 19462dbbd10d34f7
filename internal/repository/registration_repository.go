package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
)

type RegistrationRepository interface {
	Upsert(ctx context.Context, reg *domain.Registration) error
	FindByToken(ctx context.Context, regToken string) (*domain.Registration, error)
	MarkOTPVerified(ctx context.Context, regToken, userID string) error
	SaveProfile(ctx context.Context, regToken string, data domain.ProfileData, stage string) (*domain.Registration, error)
}

type registrationRepository struct {
	pool *pgxpool.Pool
}

func NewRegistrationRepository(pool *pgxpool.Pool) RegistrationRepository {
	return &registrationRepository{pool: pool}
}

const regCols = `reg_token, phone_hash, phone_encrypted, data, progress_stage, otp_verified, user_id, created_at, updated_at`

func (r *registrationRepository) Upsert(ctx context.Context, reg *domain.Registration) error {
	const q = `
		INSERT INTO registrations (reg_token, phone_hash, phone_encrypted, data, progress_stage)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reg_token) DO UPDATE SET
			phone_hash = EXCLUDED.phone_hash,
			phone_encrypted = EXCLUDED.phone_encrypted,
			data = EXCLUDED.data,
			progress_stage = EXCLUDED.progress_stage,
			updated_at = now()`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	data, err := json.Marshal(reg.Data)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, q, reg.RegToken, reg.PhoneHash, reg.PhoneEncrypted, data, reg.ProgressStage)
	return err
}

func (r *registrationRepository) FindByToken(ctx context.Context, regToken string) (*domain.Registration, error) {
	const q = `SELECT ` + regCols + ` FROM registrations WHERE reg_token = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	reg, err := scanRegistration(r.pool.QueryRow(ctx, q, regToken))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return reg, err
}

func (r *registrationRepository) MarkOTPVerified(ctx context.Context, regToken, userID string) error {
	const q = `
		UPDATE registrations
		SET otp_verified = true, user_id = $2, updated_at = now()
		WHERE reg_token = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, regToken, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *registrationRepository) SaveProfile(ctx context.Context, regToken string, data domain.ProfileData, stage string) (*domain.Registration, error) {
	const q = `
		UPDATE registrations
		SET data = $2, progress_stage = $3, updated_at = now()
		WHERE reg_token = $1
		RETURNING ` + regCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	reg, err := scanRegistration(r.pool.QueryRow(ctx, q, regToken, encoded, stage))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return reg, err
}

func scanRegistration(row pgx.Row) (*domain.Registration, error) {
	var (
		reg  domain.Registration
		data []byte
	)
	err := row.Scan(&reg.RegToken, &reg.PhoneHash, &reg.PhoneEncrypted, &data, &reg.ProgressStage, &reg.OTPVerified, &reg.UserID, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &reg.Data); err != nil {
			return nil, err
		}
	}
	return &reg, nil
}
