package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
)

type mockProviderRecorder struct {
	refreshes []bool
	latencies []time.Duration
}

func (m *mockProviderRecorder) RecordRefresh(success bool) {
	m.refreshes = append(m.refreshes, success)
}

func (m *mockProviderRecorder) RecordProviderLatency(duration time.Duration) {
	m.latencies = append(m.latencies, duration)
}

func TestInstrumentedProvider_Exchange_RecordsLatency(t *testing.T) {
	rec := &mockProviderRecorder{}
	p := NewInstrumentedProvider(&mockProvider{}, rec)

	tokens, err := p.Exchange(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if tokens.AccessToken != "at" {
		t.Errorf("AccessToken = %q, want %q", tokens.AccessToken, "at")
	}

	if len(rec.latencies) != 1 {
		t.Errorf("latency records = %d, want 1", len(rec.latencies))
	}
	if len(rec.refreshes) != 0 {
		t.Errorf("refresh records = %d, want 0", len(rec.refreshes))
	}
}

func TestInstrumentedProvider_Refresh_RecordsSuccess(t *testing.T) {
	rec := &mockProviderRecorder{}
	p := NewInstrumentedProvider(&mockProvider{}, rec)

	if _, err := p.Refresh(context.Background(), "rt"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if len(rec.refreshes) != 1 || !rec.refreshes[0] {
		t.Errorf("refreshes = %v, want [true]", rec.refreshes)
	}
	if len(rec.latencies) != 1 {
		t.Errorf("latency records = %d, want 1", len(rec.latencies))
	}
}

func TestInstrumentedProvider_Refresh_RecordsFailure(t *testing.T) {
	rec := &mockProviderRecorder{}
	p := NewInstrumentedProvider(&mockProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.TokenSet, error) {
			return nil, model.ErrReauthRequired
		},
	}, rec)

	_, err := p.Refresh(context.Background(), "rt")
	if !errors.Is(err, model.ErrReauthRequired) {
		t.Fatalf("Refresh() error = %v, want ErrReauthRequired", err)
	}

	if len(rec.refreshes) != 1 || rec.refreshes[0] {
		t.Errorf("refreshes = %v, want [false]", rec.refreshes)
	}
}

func TestInstrumentedProvider_AuthorizationURL_Passthrough(t *testing.T) {
	rec := &mockProviderRecorder{}
	p := NewInstrumentedProvider(&mockProvider{}, rec)

	url := p.AuthorizationURL("state-1")
	if url != "https://example.com/auth?state=state-1" {
		t.Errorf("AuthorizationURL() = %q", url)
	}

	// URL生成は計測対象外
	if len(rec.latencies) != 0 {
		t.Errorf("latency records = %d, want 0", len(rec.latencies))
	}
}

func TestInstrumentedProvider_UserEmail_RecordsLatency(t *testing.T) {
	rec := &mockProviderRecorder{}
	p := NewInstrumentedProvider(&mockProvider{}, rec)

	email, err := p.UserEmail(context.Background(), "at")
	if err != nil {
		t.Fatalf("UserEmail() error = %v", err)
	}
	if email != "user@gmail.com" {
		t.Errorf("UserEmail() = %q", email)
	}
	if len(rec.latencies) != 1 {
		t.Errorf("latency records = %d, want 1", len(rec.latencies))
	}
}
