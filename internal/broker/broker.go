// Package broker は電話番号またはセッションIDを常に有効なアクセストークンに
// 解決する資格情報ブローカーを提供する。
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
	"github.com/hitoshi/phonelink/internal/repository"
)

// LinkIssuer はリンクトークン発行のインターフェース。
type LinkIssuer interface {
	Issue(ctx context.Context, phone string) (string, error)
}

// TokenRefresher は期限切れ資格情報のリフレッシュのインターフェース。
type TokenRefresher interface {
	Refresh(ctx context.Context, cred *model.Credential) (*model.TokenSet, error)
}

// Broker は資格情報の取得・認証開始・ログアウトを仲介するファサード。
// 失敗はすべてErrNeedsAuthに縮退する。呼び出し側が区別する必要があるのは
// 「使えるトークンがある」か「認証が必要」かの2状態だけである。
type Broker struct {
	userRepo  repository.UserRepository
	credRepo  repository.CredentialRepository
	issuer    LinkIssuer
	refresher TokenRefresher
	baseURL   string
	now       func() time.Time
}

// New はBrokerを生成する。
func New(
	userRepo repository.UserRepository,
	credRepo repository.CredentialRepository,
	issuer LinkIssuer,
	refresher TokenRefresher,
	baseURL string,
) *Broker {
	return &Broker{
		userRepo:  userRepo,
		credRepo:  credRepo,
		issuer:    issuer,
		refresher: refresher,
		baseURL:   baseURL,
		now:       time.Now,
	}
}

// GetCredential はアイデンティティを有効な資格情報に解決する。
//
// 有効なアクセストークンが返せない理由（未登録・未認証・期限切れで
// リフレッシュ不能・プロバイダー拒否）はすべてErrNeedsAuthに縮退する。
func (b *Broker) GetCredential(ctx context.Context, identity model.Identity) (*model.Credential, error) {
	user, err := b.resolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}

	cred, err := b.credRepo.Find(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("no credential for user %d: %w", user.ID, model.ErrNeedsAuth)
	}

	if !cred.Expired(b.now()) {
		return cred, nil
	}

	return b.refresh(ctx, cred)
}

// ForceRefresh は有効期限に関わらず資格情報をリフレッシュする。
// 保存上の有効期限内なのにプロバイダーが401を返した場合の回復経路。
func (b *Broker) ForceRefresh(ctx context.Context, identity model.Identity) (*model.Credential, error) {
	user, err := b.resolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}

	cred, err := b.credRepo.Find(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("no credential for user %d: %w", user.ID, model.ErrNeedsAuth)
	}

	return b.refresh(ctx, cred)
}

// StartAuthentication は電話番号に対する新しい認証リンクを発行する。
// 既存の未使用リンクは無効化される。返されたリンクの配信は呼び出し側の責務。
func (b *Broker) StartAuthentication(ctx context.Context, phone string) (string, error) {
	if !model.ValidPhone(phone) {
		return "", model.NewInvalidPhoneError()
	}

	token, err := b.issuer.Issue(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("failed to issue link token: %w", err)
	}

	link := fmt.Sprintf("%s/auth/gmail?phone_token=%s", b.baseURL, token)
	slog.Info("authentication link issued", slog.String("phone_number", phone))
	return link, nil
}

// Logout はアイデンティティに紐づく資格情報を削除する。
// 資格情報が存在しなくても成功として扱う（冪等）。
// 削除が行われた場合はtrueを返す。
func (b *Broker) Logout(ctx context.Context, identity model.Identity) (bool, error) {
	user, err := b.resolveUser(ctx, identity)
	if err != nil {
		if errors.Is(err, model.ErrNeedsAuth) {
			return false, nil
		}
		return false, err
	}

	deleted, err := b.credRepo.Delete(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}

	if deleted {
		slog.Info("credential revoked", slog.Int64("user_id", user.ID))
	}
	return deleted, nil
}

// resolveUser はアイデンティティをユーザーレコードに解決する。
// 先頭が+なら電話番号、それ以外はセッションIDとして扱う。
// ユーザーレコードは存在しなければ作成される。
func (b *Broker) resolveUser(ctx context.Context, identity model.Identity) (*model.User, error) {
	if identity == "" {
		return nil, fmt.Errorf("empty identity: %w", model.ErrNeedsAuth)
	}

	var (
		user *model.User
		err  error
	)
	if identity.IsPhone() {
		user, err = b.userRepo.GetOrCreateByPhone(ctx, identity.String())
	} else {
		user, err = b.userRepo.GetOrCreateBySession(ctx, identity.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}
	return user, nil
}

// refresh は期限切れの資格情報を更新して永続化する。
// リフレッシュ不能な場合はErrNeedsAuthに縮退する。
// リフレッシュトークンが無い・プロバイダーに拒否された資格情報は回復不能なので
// 削除し、次回以降の呼び出しが同じ資格情報でリフレッシュを繰り返さないようにする。
func (b *Broker) refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	if !cred.HasRefreshToken() {
		b.deleteStale(ctx, cred.UserID)
		return nil, fmt.Errorf("credential expired without refresh token: %w", model.ErrNeedsAuth)
	}

	tokens, err := b.refresher.Refresh(ctx, cred)
	if err != nil {
		if errors.Is(err, model.ErrReauthRequired) {
			b.deleteStale(ctx, cred.UserID)
			return nil, fmt.Errorf("refresh rejected by provider: %w", model.ErrNeedsAuth)
		}
		// 一時的な失敗では資格情報を残し、次回の呼び出しで再試行できるようにする
		return nil, fmt.Errorf("refresh failed: %w", model.ErrNeedsAuth)
	}

	updated := &model.Credential{
		UserID:       cred.UserID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
		Scopes:       tokens.Scopes,
	}
	if len(updated.Scopes) == 0 {
		updated.Scopes = cred.Scopes
	}

	// リフレッシュトークンが回転した場合は資格情報全体を置き換える
	if updated.RefreshToken != cred.RefreshToken {
		if err := b.credRepo.Replace(ctx, updated); err != nil {
			return nil, fmt.Errorf("failed to store rotated credential: %w", err)
		}
	} else {
		if err := b.credRepo.UpdateAccessToken(ctx, cred.UserID, updated.AccessToken, updated.Expiry); err != nil {
			return nil, fmt.Errorf("failed to store refreshed access token: %w", err)
		}
	}

	slog.Info("credential refreshed", slog.Int64("user_id", cred.UserID))
	return updated, nil
}

// deleteStale は回復不能になった資格情報を削除する。
// 削除の失敗は呼び出し元のErrNeedsAuth縮退を妨げない。
func (b *Broker) deleteStale(ctx context.Context, userID int64) {
	if _, err := b.credRepo.Delete(ctx, userID); err != nil {
		slog.Warn("failed to delete stale credential", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		return
	}
	slog.Info("stale credential deleted", slog.Int64("user_id", userID))
}
