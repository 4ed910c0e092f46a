// Package dispatch はアップロードキューのバックグラウンド処理を提供する。
// スケジューラ、ディスパッチャー、失敗分類を含む。
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/uploadman/internal/metrics"
	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
)

// ItemDispatcherService はクレーム済みキューアイテムの処理インターフェース。
type ItemDispatcherService interface {
	// Dispatch はprocessing状態のアイテムを終端または再試行可能な状態まで進める。
	Dispatch(ctx context.Context, item *model.QueueItem) error
}

// Scheduler はキューアイテムのクレームと並列制御を行う。
// ティッカーによる定期ポーリングに加えて、キュー投入時のキック通知で
// 即時に1サイクルを起動する。semaphoreパターンで最大並列数を制御する。
type Scheduler struct {
	queueRepo      repository.QueueRepository
	dispatcher     ItemDispatcherService
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
	kick           chan struct{}
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	queueRepo repository.QueueRepository,
	dispatcher ItemDispatcherService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		queueRepo:      queueRepo,
		dispatcher:     dispatcher,
		collector:      collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		kick:           make(chan struct{}, 1),
	}
}

// Kick はスケジューラに即時実行を通知する。ノンブロッキングであり、
// 既に通知が滞留している場合は何もしない（次のサイクルでまとめて処理される）。
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ディスパッチスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("ディスパッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ディスパッチスケジューラを停止しました")
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("ディスパッチサイクルの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunOnce は処理対象のアイテムがなくなるまでクレームとディスパッチを繰り返す。
// semaphoreパターンで並列数を制御する。
// クォータ枯渇や一時エラーでpendingに差し戻されたアイテムは同一サイクルでは
// 再処理せず、次のポーリングまたはキックに委ねる。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	claimed := 0
	seen := make(map[string]struct{})

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}

		// クレーム自体がアトミックな確保であり、同一アイテムの二重処理はここで防がれる
		item, err := s.queueRepo.ClaimNext(ctx)
		if err != nil {
			wg.Wait()
			return err
		}
		if item == nil {
			break
		}

		// このサイクル中に差し戻されたアイテムを再クレームした場合は
		// pendingに戻してサイクルを打ち切る（同一サイクル内のホットループを防ぐ）
		if _, ok := seen[item.ID]; ok {
			if err := s.queueRepo.Requeue(ctx, item.ID, model.QueueStatusProcessing, false, item.ErrorMessage); err != nil {
				s.logger.Error("差し戻しアイテムの返却に失敗しました",
					slog.String("queue_id", item.ID),
					slog.String("error", err.Error()),
				)
			}
			break
		}
		seen[item.ID] = struct{}{}
		claimed++

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(it *model.QueueItem) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := s.dispatcher.Dispatch(ctx, it); err != nil {
				s.logger.Error("キューアイテムのディスパッチに失敗しました",
					slog.String("queue_id", it.ID),
					slog.String("video_file_name", it.VideoFileName),
					slog.String("error", err.Error()),
				)
			}
		}(item)
	}

	wg.Wait()

	s.updateQueueDepth(ctx)

	if claimed > 0 {
		duration := time.Since(start)
		s.logger.Info("ディスパッチサイクルが完了しました",
			slog.Int("item_count", claimed),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}

	return nil
}

// updateQueueDepth はステータス別のキュー滞留件数をメトリクスに反映する。
func (s *Scheduler) updateQueueDepth(ctx context.Context) {
	depths, err := s.queueRepo.DepthByStatus(ctx)
	if err != nil {
		s.logger.Warn("キュー滞留状況の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, d := range depths {
		s.collector.SetQueueDepth(string(d.Status), d.Count)
	}
}
