// Package sweep は期限切れリンクトークンの自動削除ジョブを提供する。
// 消費・失効済みのトークン行は読み取り時のフィルタで既に無効だが、
// テーブルの肥大化を防ぐため定期バッチで物理削除する。
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper は期限切れトークンの削除を抽象化するインターフェース。
// 通常はlinktoken.Managerが実装する。
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Recorder は掃除件数のメトリクス記録のインターフェース。
type Recorder interface {
	RecordTokensSwept(count int64)
}

// SweepJob は期限切れリンクトークンの削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type SweepJob struct {
	sweeper Sweeper
	logger  *slog.Logger
	metrics Recorder
}

// NewSweepJob は新しいSweepJobを生成する。metricsはnilでもよい。
func NewSweepJob(sweeper Sweeper, logger *slog.Logger, metrics Recorder) *SweepJob {
	return &SweepJob{
		sweeper: sweeper,
		logger:  logger,
		metrics: metrics,
	}
}

// Run は期限切れのリンクトークンを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *SweepJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("リンクトークン掃除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("リンクトークン掃除の実行に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordTokensSwept(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("リンクトークン掃除ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
