package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/subscast/internal/identity"
	"github.com/hitoshi/subscast/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db, now: time.Now}
}

// FindUserIDByExternalID はproviderとprovider_user_idに紐づくユーザーIDを返す。
// 見つからない場合は空文字を返す。
func (r *PostgresIdentityRepo) FindUserIDByExternalID(ctx context.Context, provider, externalID string) (string, error) {
	return findUserIDByExternalID(ctx, r.db, provider, externalID)
}

// CreateFromProfile はユーザーとidentityを同一トランザクションで作成し、ユーザーIDを返す。
//
// identityはON CONFLICT DO NOTHINGで挿入する。並行する初回ログインに負けた場合は
// 作成したユーザーごとロールバックし、勝者のユーザーIDを返す。
func (r *PostgresIdentityRepo) CreateFromProfile(ctx context.Context, profile *model.ExternalProfile) (string, error) {
	if profile == nil || profile.ExternalID == "" {
		return "", errors.New("profile has no external id")
	}

	now := r.now().UTC()
	userID := uuid.NewString()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. ユーザーを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		userID, profile.Email, profile.DisplayName, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert user: %w", err)
	}

	// 2. identityを作成（既存なら何もしない）
	result, err := tx.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, provider_user_id) DO NOTHING`,
		uuid.NewString(), userID, profile.Provider, profile.ExternalID, now,
	)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return r.existingAfterConflict(ctx, tx, profile)
		}
		return "", fmt.Errorf("failed to insert identity: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return r.existingAfterConflict(ctx, tx, profile)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	return userID, nil
}

// existingAfterConflict は作成をロールバックし、既存identityのユーザーIDを返す。
func (r *PostgresIdentityRepo) existingAfterConflict(ctx context.Context, tx *sql.Tx, profile *model.ExternalProfile) (string, error) {
	if err := tx.Rollback(); err != nil {
		return "", fmt.Errorf("failed to rollback transaction: %w", err)
	}

	userID, err := findUserIDByExternalID(ctx, r.db, profile.Provider, profile.ExternalID)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", errors.New("identity conflicted but no existing row was found")
	}
	return userID, nil
}

func findUserIDByExternalID(ctx context.Context, db *sql.DB, provider, externalID string) (string, error) {
	var userID string
	err := db.QueryRowContext(ctx,
		`SELECT user_id FROM identities WHERE provider = $1 AND provider_user_id = $2`,
		provider, externalID,
	).Scan(&userID)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find identity: %w", err)
	}

	return userID, nil
}

// compile-time interface check
var (
	_ IdentityRepository = (*PostgresIdentityRepo)(nil)
	_ identity.Store     = (*PostgresIdentityRepo)(nil)
)
