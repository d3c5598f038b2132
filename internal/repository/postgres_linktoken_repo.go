package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/phonelink/internal/model"
)

// PostgresLinkTokenRepo はPostgreSQLを使用したリンクトークンリポジトリ。
// link_tokensテーブルが唯一の正であり、プロセスメモリに状態を持たない。
type PostgresLinkTokenRepo struct {
	db *sql.DB
}

// NewPostgresLinkTokenRepo はPostgresLinkTokenRepoを生成する。
func NewPostgresLinkTokenRepo(db *sql.DB) *PostgresLinkTokenRepo {
	return &PostgresLinkTokenRepo{db: db}
}

// Replace は同一電話番号の既存トークンを削除してから新しいトークンを挿入する。
// 未失効の旧トークンも恒久的に無効化される。
func (r *PostgresLinkTokenRepo) Replace(ctx context.Context, token *model.LinkToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM link_tokens WHERE phone_number = $1`,
		token.PhoneNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old link token: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO link_tokens (token, phone_number, used, created_at, expires_at)
		 VALUES ($1, $2, FALSE, $3, $4)`,
		token.Token, token.PhoneNumber, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindUsable は未使用かつ未失効のトークンを取得する。
// 存在しない・使用済み・期限切れの場合はnilを返す。usedフラグは変更しない。
func (r *PostgresLinkTokenRepo) FindUsable(ctx context.Context, token string) (*model.LinkToken, error) {
	lt := &model.LinkToken{}
	err := r.db.QueryRowContext(ctx,
		`SELECT token, phone_number, used, created_at, expires_at
		 FROM link_tokens
		 WHERE token = $1 AND used = FALSE AND expires_at > now()`,
		token,
	).Scan(&lt.Token, &lt.PhoneNumber, &lt.Used, &lt.CreatedAt, &lt.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find link token: %w", err)
	}

	return lt, nil
}

// Find はトークンを使用済み・失効の別なく取得する。存在しない場合はnilを返す。
func (r *PostgresLinkTokenRepo) Find(ctx context.Context, token string) (*model.LinkToken, error) {
	lt := &model.LinkToken{}
	err := r.db.QueryRowContext(ctx,
		`SELECT token, phone_number, used, created_at, expires_at
		 FROM link_tokens
		 WHERE token = $1`,
		token,
	).Scan(&lt.Token, &lt.PhoneNumber, &lt.Used, &lt.CreatedAt, &lt.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find link token: %w", err)
	}

	return lt, nil
}

// Consume は未使用かつ未失効のトークンをアトミックにused=trueへ遷移させる。
// 有効性判定とフラグ更新が単一の条件付きUPDATEであるため、
// 並行する複数の消費のうち成功するのは正確に1つだけとなる。
func (r *PostgresLinkTokenRepo) Consume(ctx context.Context, token string) (string, bool, error) {
	var phone string
	err := r.db.QueryRowContext(ctx,
		`UPDATE link_tokens
		 SET used = TRUE
		 WHERE token = $1 AND used = FALSE AND expires_at > now()
		 RETURNING phone_number`,
		token,
	).Scan(&phone)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to consume link token: %w", err)
	}

	return phone, true, nil
}

// DeleteExpired は期限切れトークンを削除し、削除件数を返す。
func (r *PostgresLinkTokenRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM link_tokens WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired link tokens: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ LinkTokenRepository = (*PostgresLinkTokenRepo)(nil)
