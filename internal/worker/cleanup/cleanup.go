// Package cleanup は期限切れセッションと使用済みトークンの定期削除ジョブを提供する。
// 削除は冪等であり、複数プロセスから同時に実行しても結果は変わらない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/notekeep/internal/metrics"
	"github.com/hitoshi/notekeep/internal/repository"
)

// CleanupJob は期限切れ・失効済みのセッションと、期限切れ・使用済みの単回使用トークンを削除するジョブ。
type CleanupJob struct {
	store   repository.Store
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	nowFunc func() time.Time

	// Retention は失効・使用済みレコードを削除せずに残しておく期間（デフォルト: 24時間）。
	// 期限切れのレコードはRetentionに関係なく削除対象になる。
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewCleanupJob(store repository.Store, collector metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		store:     store,
		metrics:   collector,
		logger:    logger,
		nowFunc:   time.Now,
		Retention: 24 * time.Hour,
	}
}

// Run は削除処理を1回実行する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.nowFunc()
	before := start.Add(-j.Retention)

	sessions, err := j.store.Sessions().DeleteExpired(ctx, before)
	if err != nil {
		j.logger.Error("セッションのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	tokens, err := j.store.Tokens().DeleteExpired(ctx, before)
	if err != nil {
		j.logger.Error("トークンのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		j.metrics.RecordCleanup(sessions, 0)
		return fmt.Errorf("トークンクリーンアップの実行に失敗: %w", err)
	}

	j.metrics.RecordCleanup(sessions, tokens)

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_tokens", tokens),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は指定間隔のティッカーでジョブを繰り返し実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
// 1回の失敗ではループを止めない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップワーカーを開始しました",
		slog.Duration("interval", interval),
	)

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップワーカーを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("クリーンアップサイクルをスキップしました", slog.String("error", err.Error()))
	}
}
