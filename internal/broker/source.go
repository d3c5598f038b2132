package broker

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/phonelink/internal/model"
)

// CredentialSource はアイデンティティをアクセストークンに解決する供給元。
// 通常はBrokerSourceを使う。サービスアカウントのドメイン委任で運用する
// 環境ではServiceAccountSourceに差し替えられる。
type CredentialSource interface {
	AccessToken(ctx context.Context, identity model.Identity) (string, error)
}

// BrokerSource はBrokerをCredentialSourceとして公開する。
type BrokerSource struct {
	broker *Broker
}

// NewBrokerSource はBrokerSourceを生成する。
func NewBrokerSource(b *Broker) *BrokerSource {
	return &BrokerSource{broker: b}
}

// AccessToken はBroker経由で有効なアクセストークンを取得する。
func (s *BrokerSource) AccessToken(ctx context.Context, identity model.Identity) (string, error) {
	cred, err := s.broker.GetCredential(ctx, identity)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ForceRefresh は保存上の有効期限を無視して新しいアクセストークンを取得する。
// プロバイダーが有効期限内のトークンに401を返した場合の回復経路。
func (s *BrokerSource) ForceRefresh(ctx context.Context, identity model.Identity) (string, error) {
	cred, err := s.broker.ForceRefresh(ctx, identity)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

const (
	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// serviceAccountTokenLifetime はアサーションの有効期間。Googleの上限は1時間。
	serviceAccountTokenLifetime = time.Hour
)

// ServiceAccountConfig はGoogleサービスアカウントのドメイン委任設定。
type ServiceAccountConfig struct {
	ClientEmail string
	PrivateKey  []byte // PEM形式のRSA秘密鍵
	Subject     string // 委任先ユーザーのメールアドレス
	Scopes      []string
	TokenURL    string
	Timeout     time.Duration
}

// ServiceAccountSource はサービスアカウントのJWTアサーションで
// アクセストークンを取得するCredentialSource。
// アイデンティティごとのOAuthフローを経由せず、委任先ユーザーとして動作する。
type ServiceAccountSource struct {
	config ServiceAccountConfig
	key    *rsa.PrivateKey
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewServiceAccountSource はServiceAccountSourceを生成する。
func NewServiceAccountSource(config ServiceAccountConfig) (*ServiceAccountSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultServiceAccountTokenURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &ServiceAccountSource{
		config: config,
		key:    key,
		client: &http.Client{Timeout: config.Timeout},
		now:    time.Now,
	}, nil
}

const defaultServiceAccountTokenURL = "https://oauth2.googleapis.com/token"

// AccessToken はキャッシュ済みのトークンを返すか、JWTアサーションで新規取得する。
// アイデンティティは無視される。常に委任先ユーザーのトークンを返す。
func (s *ServiceAccountSource) AccessToken(ctx context.Context, _ model.Identity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 30秒のマージンつきでキャッシュを再利用する
	if s.token != "" && s.expiry.After(s.now().Add(30*time.Second)) {
		return s.token, nil
	}

	assertion, err := s.signAssertion()
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}

	data := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &model.ProviderError{Op: "jwt-bearer", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	s.token = tokenResp.AccessToken
	s.expiry = s.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return s.token, nil
}

// ForceRefresh はキャッシュを破棄して新しいトークンを取得する。
func (s *ServiceAccountSource) ForceRefresh(ctx context.Context, identity model.Identity) (string, error) {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
	return s.AccessToken(ctx, identity)
}

// signAssertion はRS256署名付きのJWTアサーションを生成する。
func (s *ServiceAccountSource) signAssertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.config.ClientEmail,
		"sub":   s.config.Subject,
		"scope": strings.Join(s.config.Scopes, " "),
		"aud":   s.config.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(serviceAccountTokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.key)
}

// compile-time interface checks
var _ CredentialSource = (*BrokerSource)(nil)
var _ CredentialSource = (*ServiceAccountSource)(nil)
