package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
	"github.com/hitoshi/phonelink/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	getOrCreateBySessionFn func(ctx context.Context, sessionID string) (*model.User, error)
	getOrCreateByPhoneFn   func(ctx context.Context, phone string) (*model.User, error)
}

func (m *mockUserRepo) GetOrCreateBySession(ctx context.Context, sessionID string) (*model.User, error) {
	if m.getOrCreateBySessionFn != nil {
		return m.getOrCreateBySessionFn(ctx, sessionID)
	}
	return &model.User{ID: 1, SessionID: sessionID}, nil
}

func (m *mockUserRepo) GetOrCreateByPhone(ctx context.Context, phone string) (*model.User, error) {
	if m.getOrCreateByPhoneFn != nil {
		return m.getOrCreateByPhoneFn(ctx, phone)
	}
	return &model.User{ID: 1, PhoneNumber: phone}, nil
}

func (m *mockUserRepo) FindByID(_ context.Context, _ int64) (*model.User, error) {
	return nil, nil
}

func (m *mockUserRepo) SetEmail(_ context.Context, _ int64, _ string) error {
	return nil
}

type mockCredRepo struct {
	findFn              func(ctx context.Context, userID int64) (*model.Credential, error)
	replaceFn           func(ctx context.Context, cred *model.Credential) error
	updateAccessTokenFn func(ctx context.Context, userID int64, accessToken string, expiry time.Time) error
	deleteFn            func(ctx context.Context, userID int64) (bool, error)
}

func (m *mockCredRepo) Find(ctx context.Context, userID int64) (*model.Credential, error) {
	if m.findFn != nil {
		return m.findFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockCredRepo) Replace(ctx context.Context, cred *model.Credential) error {
	if m.replaceFn != nil {
		return m.replaceFn(ctx, cred)
	}
	return nil
}

func (m *mockCredRepo) UpdateAccessToken(ctx context.Context, userID int64, accessToken string, expiry time.Time) error {
	if m.updateAccessTokenFn != nil {
		return m.updateAccessTokenFn(ctx, userID, accessToken, expiry)
	}
	return nil
}

func (m *mockCredRepo) Delete(ctx context.Context, userID int64) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID)
	}
	return false, nil
}

type mockIssuer struct {
	issueFn func(ctx context.Context, phone string) (string, error)
}

func (m *mockIssuer) Issue(ctx context.Context, phone string) (string, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, phone)
	}
	return "issued-token", nil
}

type mockRefresher struct {
	refreshFn func(ctx context.Context, cred *model.Credential) (*model.TokenSet, error)
}

func (m *mockRefresher) Refresh(ctx context.Context, cred *model.Credential) (*model.TokenSet, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, cred)
	}
	return &model.TokenSet{AccessToken: "refreshed-at", RefreshToken: cred.RefreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.CredentialRepository = (*mockCredRepo)(nil)
var _ LinkIssuer = (*mockIssuer)(nil)
var _ TokenRefresher = (*mockRefresher)(nil)

func newBroker(users *mockUserRepo, creds *mockCredRepo, issuer *mockIssuer, refresher *mockRefresher) *Broker {
	return New(users, creds, issuer, refresher, "https://phonelink.example.com")
}

// --- テスト ---

func TestGetCredential_FreshToken(t *testing.T) {
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			return &model.Credential{
				UserID:      userID,
				AccessToken: "fresh-at",
				Expiry:      time.Now().Add(time.Hour),
			}, nil
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, &mockRefresher{})

	cred, err := b.GetCredential(context.Background(), "+818012345678")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if cred.AccessToken != "fresh-at" {
		t.Errorf("accessToken = %q, want %q", cred.AccessToken, "fresh-at")
	}
}

func TestGetCredential_ResolvesByIdentityKind(t *testing.T) {
	tests := []struct {
		name      string
		identity  model.Identity
		wantPhone bool
	}{
		{"phone identity", "+818012345678", true},
		{"session identity", "abcdef123456", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var byPhone, bySession bool
			users := &mockUserRepo{
				getOrCreateByPhoneFn: func(ctx context.Context, phone string) (*model.User, error) {
					byPhone = true
					return &model.User{ID: 1, PhoneNumber: phone}, nil
				},
				getOrCreateBySessionFn: func(ctx context.Context, sessionID string) (*model.User, error) {
					bySession = true
					return &model.User{ID: 1, SessionID: sessionID}, nil
				},
			}
			creds := &mockCredRepo{
				findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
					return &model.Credential{UserID: userID, AccessToken: "at", Expiry: time.Now().Add(time.Hour)}, nil
				},
			}
			b := newBroker(users, creds, &mockIssuer{}, &mockRefresher{})

			if _, err := b.GetCredential(context.Background(), tt.identity); err != nil {
				t.Fatalf("GetCredential() error = %v", err)
			}
			if byPhone != tt.wantPhone || bySession == tt.wantPhone {
				t.Errorf("byPhone = %v, bySession = %v, wantPhone = %v", byPhone, bySession, tt.wantPhone)
			}
		})
	}
}

func TestGetCredential_NoCredentialNeedsAuth(t *testing.T) {
	b := newBroker(&mockUserRepo{}, &mockCredRepo{}, &mockIssuer{}, &mockRefresher{})

	_, err := b.GetCredential(context.Background(), "+818012345678")
	if !errors.Is(err, model.ErrNeedsAuth) {
		t.Fatalf("expected ErrNeedsAuth, got %v", err)
	}
}

func TestGetCredential_EmptyIdentityNeedsAuth(t *testing.T) {
	b := newBroker(&mockUserRepo{}, &mockCredRepo{}, &mockIssuer{}, &mockRefresher{})

	_, err := b.GetCredential(context.Background(), "")
	if !errors.Is(err, model.ErrNeedsAuth) {
		t.Fatalf("expected ErrNeedsAuth, got %v", err)
	}
}

func TestGetCredential_ExpiredWithoutRefreshTokenNeedsAuth(t *testing.T) {
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			return &model.Credential{UserID: userID, AccessToken: "stale-at", Expiry: time.Now().Add(-time.Minute)}, nil
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, &mockRefresher{})

	_, err := b.GetCredential(context.Background(), "+818012345678")
	if !errors.Is(err, model.ErrNeedsAuth) {
		t.Fatalf("expected ErrNeedsAuth, got %v", err)
	}
}

func TestGetCredential_ExpiredTokenRefreshedAndPersisted(t *testing.T) {
	var persistedToken string
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			return &model.Credential{
				UserID:       userID,
				AccessToken:  "stale-at",
				RefreshToken: "rt",
				Expiry:       time.Now().Add(-time.Minute),
			}, nil
		},
		updateAccessTokenFn: func(ctx context.Context, userID int64, accessToken string, expiry time.Time) error {
			persistedToken = accessToken
			return nil
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, &mockRefresher{})

	cred, err := b.GetCredential(context.Background(), "+818012345678")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if cred.AccessToken != "refreshed-at" {
		t.Errorf("accessToken = %q, want %q", cred.AccessToken, "refreshed-at")
	}
	if persistedToken != "refreshed-at" {
		t.Errorf("persisted token = %q, want %q", persistedToken, "refreshed-at")
	}
}

func TestGetCredential_RotatedRefreshTokenReplacesCredential(t *testing.T) {
	var replaced *model.Credential
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			return &model.Credential{
				UserID:       userID,
				AccessToken:  "stale-at",
				RefreshToken: "old-rt",
				Expiry:       time.Now().Add(-time.Minute),
			}, nil
		},
		replaceFn: func(ctx context.Context, cred *model.Credential) error {
			replaced = cred
			return nil
		},
	}
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context, cred *model.Credential) (*model.TokenSet, error) {
			return &model.TokenSet{AccessToken: "new-at", RefreshToken: "new-rt", Expiry: time.Now().Add(time.Hour)}, nil
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, refresher)

	if _, err := b.GetCredential(context.Background(), "+818012345678"); err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if replaced == nil || replaced.RefreshToken != "new-rt" {
		t.Error("rotated refresh token should replace the stored credential")
	}
}

func TestGetCredential_RefreshRejectionDegradesToNeedsAuth(t *testing.T) {
	var deletedUserID int64
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			return &model.Credential{
				UserID:       userID,
				AccessToken:  "stale-at",
				RefreshToken: "revoked-rt",
				Expiry:       time.Now().Add(-time.Minute),
			}, nil
		},
		deleteFn: func(ctx context.Context, userID int64) (bool, error) {
			deletedUserID = userID
			return true, nil
		},
	}
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context, cred *model.Credential) (*model.TokenSet, error) {
			return nil, model.ErrReauthRequired
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, refresher)

	_, err := b.GetCredential(context.Background(), "+818012345678")
	if !errors.Is(err, model.ErrNeedsAuth) {
		t.Fatalf("expected ErrNeedsAuth, got %v", err)
	}
	// 拒否された資格情報は削除され、再リフレッシュの対象にならない
	if deletedUserID != 1 {
		t.Errorf("deletedUserID = %d, want 1", deletedUserID)
	}
}

func TestGetCredential_ExpiredWithoutRefreshTokenDeletesCredential(t *testing.T) {
	deleted := false
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			return &model.Credential{
				UserID:      userID,
				AccessToken: "stale-at",
				Expiry:      time.Now().Add(-time.Minute),
			}, nil
		},
		deleteFn: func(ctx context.Context, userID int64) (bool, error) {
			deleted = true
			return true, nil
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, &mockRefresher{})

	_, err := b.GetCredential(context.Background(), "+818012345678")
	if !errors.Is(err, model.ErrNeedsAuth) {
		t.Fatalf("expected ErrNeedsAuth, got %v", err)
	}
	if !deleted {
		t.Error("credential without refresh token should be deleted")
	}
}

func TestGetCredential_TransientRefreshFailureKeepsCredential(t *testing.T) {
	deleted := false
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			return &model.Credential{
				UserID:       userID,
				AccessToken:  "stale-at",
				RefreshToken: "rt",
				Expiry:       time.Now().Add(-time.Minute),
			}, nil
		},
		deleteFn: func(ctx context.Context, userID int64) (bool, error) {
			deleted = true
			return true, nil
		},
	}
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context, cred *model.Credential) (*model.TokenSet, error) {
			return nil, errors.New("connection reset")
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, refresher)

	_, err := b.GetCredential(context.Background(), "+818012345678")
	if !errors.Is(err, model.ErrNeedsAuth) {
		t.Fatalf("expected ErrNeedsAuth, got %v", err)
	}
	// 一時障害では資格情報を残し、次回の呼び出しで再試行できる
	if deleted {
		t.Error("credential should survive a transient refresh failure")
	}
}

func TestForceRefresh_RefreshesUnexpiredCredential(t *testing.T) {
	refreshed := false
	creds := &mockCredRepo{
		findFn: func(ctx context.Context, userID int64) (*model.Credential, error) {
			// 保存上はまだ有効
			return &model.Credential{UserID: userID, AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}, nil
		},
	}
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context, cred *model.Credential) (*model.TokenSet, error) {
			refreshed = true
			return &model.TokenSet{AccessToken: "new-at", RefreshToken: cred.RefreshToken, Expiry: time.Now().Add(time.Hour)}, nil
		},
	}
	b := newBroker(&mockUserRepo{}, creds, &mockIssuer{}, refresher)

	cred, err := b.ForceRefresh(context.Background(), "+818012345678")
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if !refreshed {
		t.Error("ForceRefresh should refresh regardless of stored expiry")
	}
	if cred.AccessToken != "new-at" {
		t.Errorf("accessToken = %q, want %q", cred.AccessToken, "new-at")
	}
}

func TestStartAuthentication_ReturnsLink(t *testing.T) {
	issuer := &mockIssuer{
		issueFn: func(ctx context.Context, phone string) (string, error) {
			return "token-abc", nil
		},
	}
	b := newBroker(&mockUserRepo{}, &mockCredRepo{}, issuer, &mockRefresher{})

	link, err := b.StartAuthentication(context.Background(), "+818012345678")
	if err != nil {
		t.Fatalf("StartAuthentication() error = %v", err)
	}
	want := "https://phonelink.example.com/auth/gmail?phone_token=token-abc"
	if link != want {
		t.Errorf("link = %q, want %q", link, want)
	}
}

func TestStartAuthentication_RejectsMalformedPhone(t *testing.T) {
	b := newBroker(&mockUserRepo{}, &mockCredRepo{}, &mockIssuer{}, &mockRefresher{})

	tests := []string{
		"",
		"819012345678",   // 先頭の+がない
		"+0312345678",    // 先頭0は国番号として不正
		"+8180123abc78",  // 数字以外
		"not-a-phone",
	}

	for _, phone := range tests {
		t.Run("phone="+phone, func(t *testing.T) {
			_, err := b.StartAuthentication(context.Background(), phone)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Code != model.ErrCodeInvalidPhone {
				t.Errorf("code = %q, want %q", apiErr.Code, model.ErrCodeInvalidPhone)
			}
		})
	}
}

func TestStartAuthentication_IssuerFailure(t *testing.T) {
	issuer := &mockIssuer{
		issueFn: func(ctx context.Context, phone string) (string, error) {
			return "", errors.New("db down")
		},
	}
	b := newBroker(&mockUserRepo{}, &mockCredRepo{}, issuer, &mockRefresher{})

	_, err := b.StartAuthentication(context.Background(), "+818012345678")
	if err == nil {
		t.Fatal("expected error when issuing fails")
	}
	if !strings.Contains(err.Error(), "failed to issue") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLogout_DeletesCredential(t *testing.T) {
	var deletedUserID int64
	creds := &mockCredRepo{
		deleteFn: func(ctx context.Context, userID int64) (bool, error) {
			deletedUserID = userID
			return true, nil
		},
	}
	users := &mockUserRepo{
		getOrCreateByPhoneFn: func(ctx context.Context, phone string) (*model.User, error) {
			return &model.User{ID: 7, PhoneNumber: phone}, nil
		},
	}
	b := newBroker(users, creds, &mockIssuer{}, &mockRefresher{})

	deleted, err := b.Logout(context.Background(), "+818012345678")
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if !deleted {
		t.Error("expected deleted = true")
	}
	if deletedUserID != 7 {
		t.Errorf("deletedUserID = %d, want 7", deletedUserID)
	}
}

func TestLogout_IdempotentWhenNoCredential(t *testing.T) {
	b := newBroker(&mockUserRepo{}, &mockCredRepo{}, &mockIssuer{}, &mockRefresher{})

	deleted, err := b.Logout(context.Background(), "+818012345678")
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if deleted {
		t.Error("expected deleted = false when nothing to delete")
	}
}

func TestLogout_EmptyIdentityIsNoop(t *testing.T) {
	b := newBroker(&mockUserRepo{}, &mockCredRepo{}, &mockIssuer{}, &mockRefresher{})

	deleted, err := b.Logout(context.Background(), "")
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if deleted {
		t.Error("expected deleted = false for empty identity")
	}
}
