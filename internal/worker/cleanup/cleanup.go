// Package cleanup は期限切れ解析キャッシュの自動削除ジョブを提供する。
// expires_atを過ぎたキャッシュ行を日次バッチで削除する。
// 終端状態（uploaded/failed）のキュー行は監査証跡として既定では削除せず、
// 保持期間が明示的に設定された場合のみ超過分を削除する。
// 履歴テーブルは常に削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/uploadman/internal/repository"
)

// CleanupJob は保持期間超過データの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	queueRepo repository.QueueRepository
	cacheRepo repository.AnalysisCacheRepository
	logger    *slog.Logger

	// Retention は終端キュー行の保持期間。0以下の場合は削除せず
	// 無期限に保持する（デフォルト）。
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// 終端キュー行の削除は既定では無効（Retention = 0）。
func NewCleanupJob(queueRepo repository.QueueRepository, cacheRepo repository.AnalysisCacheRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		queueRepo: queueRepo,
		cacheRepo: cacheRepo,
		logger:    logger,
	}
}

// Run は期限切れキャッシュ行と、保持期間が設定されている場合のみ
// 超過した終端キュー行を削除する。
// キャッシュ削除は遅延無効化の補助であり、失敗しても正しさには影響しない。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var deletedQueue int64
	if j.Retention > 0 {
		var err error
		deletedQueue, err = j.queueRepo.DeleteTerminalOlderThan(ctx, j.Retention)
		if err != nil {
			j.logger.Error("キュークリーンアップジョブの実行に失敗しました",
				slog.String("error", err.Error()),
				slog.Duration("retention", j.Retention),
			)
			return fmt.Errorf("キュークリーンアップの実行に失敗: %w", err)
		}
	}

	deletedCache, err := j.cacheRepo.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("解析キャッシュクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("解析キャッシュクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_queue_count", deletedQueue),
		slog.Int64("deleted_cache_count", deletedCache),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔でクリーンアップジョブを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
