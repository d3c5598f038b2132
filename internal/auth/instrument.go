package auth

import (
	"context"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
)

// ProviderRecorder はプロバイダー呼び出しのメトリクス記録のインターフェース。
type ProviderRecorder interface {
	RecordRefresh(success bool)
	RecordProviderLatency(duration time.Duration)
}

// InstrumentedProvider はProviderをラップし、呼び出しのレイテンシと
// リフレッシュの結果を記録する。
type InstrumentedProvider struct {
	inner    Provider
	recorder ProviderRecorder
}

// NewInstrumentedProvider はInstrumentedProviderを生成する。
func NewInstrumentedProvider(inner Provider, recorder ProviderRecorder) *InstrumentedProvider {
	return &InstrumentedProvider{inner: inner, recorder: recorder}
}

// AuthorizationURL は内側のProviderに委譲する。ネットワーク呼び出しを
// 伴わないため計測しない。
func (p *InstrumentedProvider) AuthorizationURL(state string) string {
	return p.inner.AuthorizationURL(state)
}

// Exchange は認可コード交換のレイテンシを記録する。
func (p *InstrumentedProvider) Exchange(ctx context.Context, code string) (*model.TokenSet, error) {
	start := time.Now()
	tokens, err := p.inner.Exchange(ctx, code)
	p.recorder.RecordProviderLatency(time.Since(start))
	return tokens, err
}

// Refresh はリフレッシュのレイテンシと成否を記録する。
func (p *InstrumentedProvider) Refresh(ctx context.Context, refreshToken string) (*model.TokenSet, error) {
	start := time.Now()
	tokens, err := p.inner.Refresh(ctx, refreshToken)
	p.recorder.RecordProviderLatency(time.Since(start))
	p.recorder.RecordRefresh(err == nil)
	return tokens, err
}

// UserEmail はユーザー情報取得のレイテンシを記録する。
func (p *InstrumentedProvider) UserEmail(ctx context.Context, accessToken string) (string, error) {
	start := time.Now()
	email, err := p.inner.UserEmail(ctx, accessToken)
	p.recorder.RecordProviderLatency(time.Since(start))
	return email, err
}

var _ Provider = (*InstrumentedProvider)(nil)
