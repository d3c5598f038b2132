// Package auth はOAuth認可フロー（認可URL生成・コールバック処理・トークンリフレッシュ）を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/phonelink/internal/model"
	"github.com/hitoshi/phonelink/internal/repository"
)

// Provider はOAuthプロバイダーのトークンライフサイクルのインターフェース。
// 将来的に複数IdP（Google, Microsoft等）に対応するための抽象化。
type Provider interface {
	// AuthorizationURL は認可URLを生成する。
	AuthorizationURL(state string) string
	// Exchange は認可コードをトークン一式に交換する。
	Exchange(ctx context.Context, code string) (*model.TokenSet, error)
	// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*model.TokenSet, error)
	// UserEmail はアクセストークンでユーザーのメールアドレスを取得する。
	UserEmail(ctx context.Context, accessToken string) (string, error)
}

// LinkTokenManager はリンクトークンの照会・消費のインターフェース。
type LinkTokenManager interface {
	// Peek はトークンを消費せずに検証し、紐づく電話番号を返す。
	Peek(ctx context.Context, token string) (string, error)
	// Consume はトークンを1回限りで消費し、紐づく電話番号を返す。
	Consume(ctx context.Context, token string) (string, error)
}

// Flow はOAuth認可フローのビジネスロジックを提供する。
type Flow struct {
	provider   Provider
	linkTokens LinkTokenManager
	userRepo   repository.UserRepository
	credRepo   repository.CredentialRepository
}

// NewFlow はFlowを生成する。
func NewFlow(
	provider Provider,
	linkTokens LinkTokenManager,
	userRepo repository.UserRepository,
	credRepo repository.CredentialRepository,
) *Flow {
	return &Flow{
		provider:   provider,
		linkTokens: linkTokens,
		userRepo:   userRepo,
		credRepo:   credRepo,
	}
}

// BuildAuthorizationURL はリンクトークンを検証し、認可URLとCSRF対策用のstateを返す。
// リンクトークンはこの時点では消費しない。ユーザーが同意画面から戻ってくるまで有効なまま残る。
func (f *Flow) BuildAuthorizationURL(ctx context.Context, linkToken string) (authURL, state string, err error) {
	if _, err := f.linkTokens.Peek(ctx, linkToken); err != nil {
		return "", "", err
	}

	state, err = generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	return f.provider.AuthorizationURL(state), state, nil
}

// Complete はOAuthコールバックを処理し、資格情報を永続化する。
// 処理順は厳密に、state検証 → リンクトークン消費 → コード交換 → 保存。
// リンクトークンの消費はコード交換より前に行い、交換に失敗したトークンの
// 再利用を防ぐ。
func (f *Flow) Complete(ctx context.Context, code, state, expectedState, linkToken string) (*model.Credential, error) {
	if expectedState == "" || state != expectedState {
		return nil, &model.ValidationError{Reason: model.ReasonStateMismatch}
	}

	phone, err := f.linkTokens.Consume(ctx, linkToken)
	if err != nil {
		return nil, err
	}

	tokens, err := f.provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	user, err := f.userRepo.GetOrCreateByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	// メールアドレスの解決は付随情報なので、失敗してもフローは継続する
	if email, err := f.provider.UserEmail(ctx, tokens.AccessToken); err != nil {
		slog.Warn("failed to resolve user email", slog.Int64("user_id", user.ID), slog.String("error", err.Error()))
	} else if err := f.userRepo.SetEmail(ctx, user.ID, email); err != nil {
		slog.Warn("failed to store user email", slog.Int64("user_id", user.ID), slog.String("error", err.Error()))
	}

	cred := &model.Credential{
		UserID:       user.ID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
		Scopes:       tokens.Scopes,
	}
	if err := f.credRepo.Replace(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	slog.Info("oauth flow completed",
		slog.Int64("user_id", user.ID),
		slog.String("phone_number", phone),
		slog.Bool("has_refresh_token", tokens.RefreshToken != ""),
	)

	return cred, nil
}

// Refresh は期限切れの資格情報から新しいトークン一式を取得する。
// リフレッシュトークンがない、またはプロバイダーに拒否された場合は
// ErrReauthRequiredを返す。永続化は呼び出し側の責務。
func (f *Flow) Refresh(ctx context.Context, cred *model.Credential) (*model.TokenSet, error) {
	if cred == nil || !cred.HasRefreshToken() {
		return nil, model.ErrReauthRequired
	}

	tokens, err := f.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, model.ErrReauthRequired) {
			slog.Info("refresh token rejected, reauth required", slog.Int64("user_id", cred.UserID))
			return nil, err
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return tokens, nil
}

// generateState は暗号的に安全なCSRF対策用のstateを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
