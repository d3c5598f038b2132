// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/phonelink/internal/middleware"
	"github.com/hitoshi/phonelink/internal/model"
	"github.com/hitoshi/phonelink/internal/notify"
)

const (
	oauthStateCookie = "oauth_state"
	linkTokenCookie  = "phone_token"

	// authFlowCookieMaxAge は認可フロー中のCookieの有効期間（秒）。
	// リンクトークンのTTL（15分）より短い10分とする。
	authFlowCookieMaxAge = 600
)

// AuthFlowInterface は認証ハンドラーが必要とするOAuthフローのインターフェース。
type AuthFlowInterface interface {
	BuildAuthorizationURL(ctx context.Context, linkToken string) (authURL, state string, err error)
	Complete(ctx context.Context, code, state, expectedState, linkToken string) (*model.Credential, error)
}

// CredentialBrokerInterface はハンドラーが必要とするブローカーのインターフェース。
type CredentialBrokerInterface interface {
	GetCredential(ctx context.Context, identity model.Identity) (*model.Credential, error)
	StartAuthentication(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context, identity model.Identity) (bool, error)
}

// UserFinder はユーザー情報の取得に必要なインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
	GetOrCreateBySession(ctx context.Context, sessionID string) (*model.User, error)
	GetOrCreateByPhone(ctx context.Context, phone string) (*model.User, error)
}

// AuthMetrics は認証フローで記録するメトリクスのインターフェース。
type AuthMetrics interface {
	RecordLinkConsumed()
	RecordLinkRejected(reason string)
	RecordExchange(success bool)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
	// NotifyChannel はメトリクスに記録する配信チャネル名。
	NotifyChannel string
}

// AuthHandler はOAuth認証リンク関連のHTTPハンドラー。
type AuthHandler struct {
	flow    AuthFlowInterface
	broker  CredentialBrokerInterface
	users   UserFinder
	sender  notify.Sender // nilの場合は通知を送らない
	metrics AuthMetrics   // nilの場合は記録しない
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	flow AuthFlowInterface,
	broker CredentialBrokerInterface,
	users UserFinder,
	sender notify.Sender,
	metrics AuthMetrics,
	config AuthHandlerConfig,
) *AuthHandler {
	return &AuthHandler{
		flow:    flow,
		broker:  broker,
		users:   users,
		sender:  sender,
		metrics: metrics,
		config:  config,
	}
}

// StartAuth は認証リンクのクリックを受けてOAuth同意画面へリダイレクトする。
// GET /auth/gmail?phone_token=xxx
// リンクトークンはここでは消費せず、stateとともにCookieへ保存してコールバックで検証する。
func (h *AuthHandler) StartAuth(w http.ResponseWriter, r *http.Request) {
	linkToken := r.URL.Query().Get("phone_token")
	if linkToken == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewLinkInvalidError())
		return
	}

	authURL, state, err := h.flow.BuildAuthorizationURL(r.Context(), linkToken)
	if err != nil {
		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			slog.Info("auth link rejected", slog.String("reason", vErr.Reason))
			if h.metrics != nil {
				h.metrics.RecordLinkRejected(vErr.Reason)
			}
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewLinkInvalidError())
			return
		}
		slog.Error("failed to build authorization URL", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateとリンクトークンをCookieに保存（コールバックでの検証用）
	h.setFlowCookie(w, oauthStateCookie, state, authFlowCookieMaxAge)
	h.setFlowCookie(w, linkTokenCookie, linkToken, authFlowCookieMaxAge)

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理し、資格情報を保存する。
// GET /auth/gmail/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" {
		slog.Warn("oauth callback without state cookie")
		if h.metrics != nil {
			h.metrics.RecordLinkRejected(model.ReasonStateMismatch)
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewStateMismatchError())
		return
	}
	tokenCookie, err := r.Cookie(linkTokenCookie)
	if err != nil || tokenCookie.Value == "" {
		slog.Warn("oauth callback without link token cookie")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewLinkInvalidError())
		return
	}

	// フロー用Cookieは結果に関わらず削除する
	h.setFlowCookie(w, oauthStateCookie, "", -1)
	h.setFlowCookie(w, linkTokenCookie, "", -1)

	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewStateMismatchError())
		return
	}

	cred, err := h.flow.Complete(r.Context(), code, r.URL.Query().Get("state"), stateCookie.Value, tokenCookie.Value)
	if err != nil {
		h.writeCallbackError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordLinkConsumed()
		h.metrics.RecordExchange(true)
	}

	// 接続完了を本人の電話番号へ通知する。失敗してもフローは完了している
	h.notifySuccess(r.Context(), cred.UserID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(authSuccessPage))
}

// Logout は現在の識別子に紐づく資格情報を削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNeedsAuthError())
		return
	}

	deleted, err := h.broker.Logout(r.Context(), identity)
	if err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// 切断完了を本人の電話番号へ通知する。失敗しても切断は完了している
	if deleted && identity.IsPhone() && h.sender != nil {
		if err := h.sender.Send(r.Context(), identity.String(), notify.LogoutMessage()); err != nil {
			slog.Warn("failed to send logout notification",
				slog.String("phone_number", identity.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"logged_out": deleted,
	})
}

// Me は現在の識別子のユーザー情報と接続状態を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNeedsAuthError())
		return
	}

	var user *model.User
	if identity.IsPhone() {
		user, err = h.users.GetOrCreateByPhone(r.Context(), identity.String())
	} else {
		user, err = h.users.GetOrCreateBySession(r.Context(), identity.String())
	}
	if err != nil {
		slog.Error("failed to resolve user", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	connected := true
	if _, err := h.broker.GetCredential(r.Context(), identity); err != nil {
		if !errors.Is(err, model.ErrNeedsAuth) {
			slog.Error("failed to check credential", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}
		connected = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":           user.ID,
		"email":        user.Email,
		"phone_number": user.PhoneNumber,
		"connected":    connected,
	})
}

// writeCallbackError はコールバック処理の失敗をエラー種別に応じたレスポンスに変換する。
func (h *AuthHandler) writeCallbackError(w http.ResponseWriter, err error) {
	var vErr *model.ValidationError
	if errors.As(err, &vErr) {
		slog.Info("oauth callback rejected", slog.String("reason", vErr.Reason))
		if h.metrics != nil {
			h.metrics.RecordLinkRejected(vErr.Reason)
		}
		if vErr.Reason == model.ReasonStateMismatch {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewStateMismatchError())
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewLinkInvalidError())
		return
	}

	var pErr *model.ProviderError
	if errors.As(err, &pErr) {
		slog.Warn("oauth exchange rejected by provider",
			slog.Int("status_code", pErr.StatusCode),
		)
		if h.metrics != nil {
			h.metrics.RecordExchange(false)
		}
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewProviderFailedError())
		return
	}

	slog.Error("oauth callback failed", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// notifySuccess は接続完了メッセージを本人の電話番号へ送信する。
func (h *AuthHandler) notifySuccess(ctx context.Context, userID int64) {
	if h.sender == nil {
		return
	}

	user, err := h.users.FindByID(ctx, userID)
	if err != nil || user == nil || user.PhoneNumber == "" {
		return
	}
	if err := h.sender.Send(ctx, user.PhoneNumber, notify.AuthSuccessMessage()); err != nil {
		slog.Warn("failed to send success notification",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// setFlowCookie は認可フロー用のHTTP Only Cookieを設定・削除する。
func (h *AuthHandler) setFlowCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// authSuccessPage は認証完了後にブラウザへ表示するページ。
const authSuccessPage = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>接続完了</title></head>
<body>
<h1>Gmailアカウントの接続が完了しました</h1>
<p>このページを閉じて、元の会話に戻ってください。</p>
</body>
</html>`
