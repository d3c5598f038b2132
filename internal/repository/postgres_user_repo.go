package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/phonelink/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// GetOrCreateBySession はセッションIDでユーザーを取得または作成し、last_loginを更新する。
// ON CONFLICTによるupsertのため、同時初回アクセスでも重複キーエラーにならない。
func (r *PostgresUserRepo) GetOrCreateBySession(ctx context.Context, sessionID string) (*model.User, error) {
	user := &model.User{}
	var phone, email sql.NullString

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (session_id, created_at, last_login)
		 VALUES ($1, now(), now())
		 ON CONFLICT (session_id) DO UPDATE SET last_login = now()
		 RETURNING id, session_id, phone_number, email, created_at, last_login`,
		sessionID,
	).Scan(&user.ID, &user.SessionID, &phone, &email, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user by session: %w", err)
	}

	user.PhoneNumber = phone.String
	user.Email = email.String
	return user, nil
}

// GetOrCreateByPhone は電話番号でユーザーを取得または作成し、last_loginを更新する。
// 電話番号経由で作成されたユーザーにもsession_idを払い出し、
// どちらの識別子でもアドレス可能にする。
func (r *PostgresUserRepo) GetOrCreateByPhone(ctx context.Context, phone string) (*model.User, error) {
	user := &model.User{}
	var phoneCol, email sql.NullString

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (session_id, phone_number, created_at, last_login)
		 VALUES (md5(random()::text || clock_timestamp()::text), $1, now(), now())
		 ON CONFLICT (phone_number) DO UPDATE SET last_login = now()
		 RETURNING id, session_id, phone_number, email, created_at, last_login`,
		phone,
	).Scan(&user.ID, &user.SessionID, &phoneCol, &email, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user by phone: %w", err)
	}

	user.PhoneNumber = phoneCol.String
	user.Email = email.String
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	user := &model.User{}
	var phone, email sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, phone_number, email, created_at, last_login
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.SessionID, &phone, &email, &user.CreatedAt, &user.LastLogin)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	user.PhoneNumber = phone.String
	user.Email = email.String
	return user, nil
}

// SetEmail はユーザーのメールアドレスを更新する。
func (r *PostgresUserRepo) SetEmail(ctx context.Context, userID int64, email string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET email = $1 WHERE id = $2`,
		email, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user email: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %d", userID)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
