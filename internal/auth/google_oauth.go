package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// defaultProviderTimeout はプロバイダー呼び出しの上限時間。
	defaultProviderTimeout = 10 * time.Second

	// refreshRetryBackoff は一時障害時のリフレッシュ再試行までの待機時間。
	refreshRetryBackoff = 500 * time.Millisecond
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleOAuthProvider はGoogle OAuth 2.0のトークンライフサイクル
// （認可URL生成・コード交換・リフレッシュ）を提供する。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
	client *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProviderTimeout
	}
	return &GoogleOAuthProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// AuthorizationURL はGoogle OAuthの認可URLを生成する。
// access_type=offlineとprompt=consentでリフレッシュトークンの発行を要求する。
func (p *GoogleOAuthProvider) AuthorizationURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {strings.Join(p.config.Scopes, " ")},
		"state":         {state},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// googleTokenResponse はGoogleのトークンエンドポイントのレスポンス。
type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// Exchange は認可コードをトークン一式に交換する。
// 認可コードは一回限りのため、失敗しても再試行しない。
func (p *GoogleOAuthProvider) Exchange(ctx context.Context, code string) (*model.TokenSet, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}

	tokenResp, err := p.postToken(ctx, "exchange", data)
	if err != nil {
		return nil, err
	}

	return p.toTokenSet(tokenResp), nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// 一時的なネットワーク障害に限り1回だけバックオフ後に再試行する。
// プロバイダーがリフレッシュトークンを明示的に拒否した場合（invalid_grant等の4xx）は
// ErrReauthRequiredを返す。呼び出し側は再認証フローにフォールバックする。
func (p *GoogleOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*model.TokenSet, error) {
	if refreshToken == "" {
		return nil, model.ErrReauthRequired
	}

	data := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"grant_type":    {"refresh_token"},
	}

	tokenResp, err := p.postToken(ctx, "refresh", data)
	if err != nil {
		if isProviderRejection(err) {
			return nil, fmt.Errorf("refresh token rejected: %w", model.ErrReauthRequired)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(refreshRetryBackoff):
		}
		tokenResp, err = p.postToken(ctx, "refresh", data)
		if err != nil {
			if isProviderRejection(err) {
				return nil, fmt.Errorf("refresh token rejected: %w", model.ErrReauthRequired)
			}
			return nil, err
		}
	}

	ts := p.toTokenSet(tokenResp)
	// Googleはリフレッシュ応答にrefresh_tokenを含めないことがある。
	// その場合は既存のリフレッシュトークンを引き継ぐ。
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// UserEmail はアクセストークンでユーザーのメールアドレスを取得する。
func (p *GoogleOAuthProvider) UserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &model.ProviderError{Op: "userinfo", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var userInfo googleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("failed to parse user info response: %w", err)
	}

	if userInfo.Email == "" {
		return "", fmt.Errorf("empty email in user info response")
	}

	return userInfo.Email, nil
}

// postToken はトークンエンドポイントへform POSTする。
func (p *GoogleOAuthProvider) postToken(ctx context.Context, op string, data url.Values) (*googleTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &model.ProviderError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &tokenResp, nil
}

// toTokenSet はトークンエンドポイントのレスポンスをTokenSetに変換する。
func (p *GoogleOAuthProvider) toTokenSet(resp *googleTokenResponse) *model.TokenSet {
	scopes := model.ParseScopes(resp.Scope)
	if len(scopes) == 0 {
		scopes = p.config.Scopes
	}
	return &model.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scopes:       scopes,
	}
}

// isProviderRejection はプロバイダーによる明示的な4xx拒否かどうかを判定する。
// 5xxは一時障害として扱い、再試行の対象とする。
func isProviderRejection(err error) bool {
	var provErr *model.ProviderError
	if errors.As(err, &provErr) {
		return provErr.StatusCode >= 400 && provErr.StatusCode < 500
	}
	return false
}

// compile-time interface check
var _ Provider = (*GoogleOAuthProvider)(nil)
