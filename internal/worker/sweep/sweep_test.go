package sweep

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type mockSweeper struct {
	called bool
	count  int64
	err    error
}

func (m *mockSweeper) SweepExpired(ctx context.Context) (int64, error) {
	m.called = true
	return m.count, m.err
}

type mockRecorder struct {
	swept int64
}

func (m *mockRecorder) RecordTokensSwept(count int64) {
	m.swept += count
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewSweepJob_ReturnsNonNil(t *testing.T) {
	var buf bytes.Buffer
	job := NewSweepJob(&mockSweeper{}, newTestLogger(&buf), nil)

	if job == nil {
		t.Fatal("NewSweepJob は nil を返してはならない")
	}
}

func TestSweepJob_Run_CallsSweeper(t *testing.T) {
	var buf bytes.Buffer
	sweeper := &mockSweeper{count: 5}
	job := NewSweepJob(sweeper, newTestLogger(&buf), nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if !sweeper.called {
		t.Fatal("SweepExpired が呼び出されなかった")
	}

	// ログに削除件数が含まれること
	if !strings.Contains(buf.String(), `"deleted_count":5`) {
		t.Errorf("ログに削除件数が含まれていない: %s", buf.String())
	}
}

func TestSweepJob_Run_RecordsMetrics(t *testing.T) {
	var buf bytes.Buffer
	recorder := &mockRecorder{}
	job := NewSweepJob(&mockSweeper{count: 7}, newTestLogger(&buf), recorder)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if recorder.swept != 7 {
		t.Errorf("swept = %d, want 7", recorder.swept)
	}
}

func TestSweepJob_Run_ZeroDeletedIsNotError(t *testing.T) {
	var buf bytes.Buffer
	job := NewSweepJob(&mockSweeper{count: 0}, newTestLogger(&buf), nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("削除対象なしでもエラーになってはならない: %v", err)
	}
}

func TestSweepJob_Run_SweeperErrorSurfaced(t *testing.T) {
	var buf bytes.Buffer
	job := NewSweepJob(&mockSweeper{err: errors.New("db down")}, newTestLogger(&buf), nil)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("Sweeperのエラーが伝播されなかった")
	}

	// エラーログが出力されること
	if !strings.Contains(buf.String(), "db down") {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}
