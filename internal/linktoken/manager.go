// Package linktoken は電話番号と認証試行を結びつける短命・1回限りトークンの
// 発行・検証・消費を提供する。トークン状態は耐久ストアのみに保持される。
package linktoken

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/phonelink/internal/model"
	"github.com/hitoshi/phonelink/internal/repository"
)

// Manager はリンクトークンのライフサイクルを管理する。
type Manager struct {
	repo repository.LinkTokenRepository
	ttl  time.Duration
	nowF func() time.Time
}

// NewManager はManagerを生成する。ttlが0以下の場合はデフォルト(15分)を使用する。
func NewManager(repo repository.LinkTokenRepository, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = model.LinkTokenTTL
	}
	return &Manager{
		repo: repo,
		ttl:  ttl,
		nowF: time.Now,
	}
}

// Issue は電話番号に対する新しいリンクトークンを発行する。
// 同一電話番号の既存トークンは未使用・未失効でも上書きされ、恒久的に無効化される。
// 有効なリンクを常に1つに保つための仕様であり、重複リンクの誤用を防ぐ。
func (m *Manager) Issue(ctx context.Context, phone string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("phone number is required")
	}

	now := m.nowF()
	token := &model.LinkToken{
		Token:       uuid.New().String(),
		PhoneNumber: phone,
		Used:        false,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}

	if err := m.repo.Replace(ctx, token); err != nil {
		return "", fmt.Errorf("failed to issue link token: %w", err)
	}

	slog.Info("link token issued",
		slog.String("phone", phone),
		slog.Time("expires_at", token.ExpiresAt),
	)
	return token.Token, nil
}

// Peek はトークンの有効性（存在・未失効・未使用）を検証し、紐づく電話番号を返す。
// usedフラグは変更しないため、同意ページの再読み込みで1回限りの使用権が
// 消費されることはない。無効な場合はValidationErrorを返す。
func (m *Manager) Peek(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", model.NewValidationError(model.ReasonTokenNotFound)
	}

	lt, err := m.repo.FindUsable(ctx, token)
	if err != nil {
		return "", fmt.Errorf("failed to peek link token: %w", err)
	}
	if lt == nil {
		return "", model.NewValidationError(m.rejectionReason(ctx, token))
	}

	return lt.PhoneNumber, nil
}

// Consume はトークンを検証と同時にアトミックに使用済みへ遷移させ、電話番号を返す。
// 並行する複数のコールバックのうち成功するのは正確に1つだけ。
// 無効・期限切れ・使用済みの場合はValidationErrorを返す。
func (m *Manager) Consume(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", model.NewValidationError(model.ReasonTokenNotFound)
	}

	phone, ok, err := m.repo.Consume(ctx, token)
	if err != nil {
		return "", fmt.Errorf("failed to consume link token: %w", err)
	}
	if !ok {
		return "", model.NewValidationError(m.rejectionReason(ctx, token))
	}

	slog.Info("link token consumed", slog.String("phone", phone))
	return phone, nil
}

// rejectionReason は受理されなかったトークンの拒否理由を分類する。
// 未発行・期限切れ・使用済みを区別してログとメトリクスに残すための処理であり、
// 受理の可否そのものはFindUsable/Consumeの判定が既に確定している。
func (m *Manager) rejectionReason(ctx context.Context, token string) string {
	lt, err := m.repo.Find(ctx, token)
	if err != nil || lt == nil {
		return model.ReasonTokenNotFound
	}
	if lt.Used {
		return model.ReasonTokenUsed
	}
	if !lt.ExpiresAt.After(m.nowF()) {
		return model.ReasonTokenExpired
	}
	// usedでないのに受理されなかったのはストア側の時刻で失効しているため
	return model.ReasonTokenExpired
}

// SweepExpired は期限切れトークンを削除し、削除件数を返す。
// ストレージ衛生のための処理であり、反復・並行実行しても安全。
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	deleted, err := m.repo.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired link tokens: %w", err)
	}
	return deleted, nil
}
