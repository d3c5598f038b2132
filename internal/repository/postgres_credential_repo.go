package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したOAuth認可情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Find は指定ユーザーの認可情報を取得する。存在しない場合はnilを返す。
func (r *PostgresCredentialRepo) Find(ctx context.Context, userID int64) (*model.Credential, error) {
	cred := &model.Credential{}
	var refreshToken, scope sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, token_expiry, scope
		 FROM oauth_tokens WHERE user_id = $1`,
		userID,
	).Scan(&cred.UserID, &cred.AccessToken, &refreshToken, &cred.Expiry, &scope)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	cred.RefreshToken = refreshToken.String
	cred.Scopes = model.ParseScopes(scope.String)
	return cred, nil
}

// Replace は既存の認可情報を削除してから新しい認可情報を挿入する。
// 同一トランザクション内で実行するため、並行する読み取りが
// 部分的な書き込みを観測することはない。
func (r *PostgresCredentialRepo) Replace(ctx context.Context, cred *model.Credential) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE user_id = $1`,
		cred.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old credential: %w", err)
	}

	var refreshToken sql.NullString
	if cred.RefreshToken != "" {
		refreshToken = sql.NullString{String: cred.RefreshToken, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO oauth_tokens (user_id, access_token, refresh_token, token_expiry, scope, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())`,
		cred.UserID, cred.AccessToken, refreshToken, cred.Expiry, cred.ScopeString(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateAccessToken はリフレッシュ後のアクセストークンと有効期限を更新する。
func (r *PostgresCredentialRepo) UpdateAccessToken(ctx context.Context, userID int64, accessToken string, expiry time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE oauth_tokens
		 SET access_token = $1, token_expiry = $2, updated_at = now()
		 WHERE user_id = $3`,
		accessToken, expiry, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("credential not found for user: %d", userID)
	}
	return nil
}

// Delete は指定ユーザーの認可情報を削除する。
// 削除対象が存在した場合はtrueを返す。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, userID int64) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
