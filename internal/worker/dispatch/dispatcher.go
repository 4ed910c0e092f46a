package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/uploadman/internal/analysis"
	"github.com/hitoshi/uploadman/internal/collab"
	"github.com/hitoshi/uploadman/internal/matcher"
	"github.com/hitoshi/uploadman/internal/metrics"
	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
)

// Dispatcher はクレーム済みアイテムを解析・マッチング・投稿まで進める。
// アドミッション判断の間はロックを保持せず、2つのアトミック操作
// （クレームとクォータ予約）だけがストアレベルの保護に依存する。
type Dispatcher struct {
	queueRepo   repository.QueueRepository
	channelRepo repository.ChannelRepository
	quotaRepo   repository.QuotaRepository
	analysisSvc analysis.Service
	matcher     *matcher.Matcher
	metadataGen collab.MetadataGenerator
	publisher   collab.Publisher
	collector   metrics.MetricsCollector
	logger      *slog.Logger

	retryLimit                   int
	analyzeTimeout               time.Duration
	publishTimeout               time.Duration
	releaseQuotaOnPublishFailure bool
}

// DispatcherConfig はDispatcherの動作設定。
type DispatcherConfig struct {
	RetryLimit                   int
	AnalyzeTimeout               time.Duration
	PublishTimeout               time.Duration
	ReleaseQuotaOnPublishFailure bool
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(
	queueRepo repository.QueueRepository,
	channelRepo repository.ChannelRepository,
	quotaRepo repository.QuotaRepository,
	analysisSvc analysis.Service,
	m *matcher.Matcher,
	metadataGen collab.MetadataGenerator,
	publisher collab.Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	return &Dispatcher{
		queueRepo:                    queueRepo,
		channelRepo:                  channelRepo,
		quotaRepo:                    quotaRepo,
		analysisSvc:                  analysisSvc,
		matcher:                      m,
		metadataGen:                  metadataGen,
		publisher:                    publisher,
		collector:                    collector,
		logger:                       logger,
		retryLimit:                   cfg.RetryLimit,
		analyzeTimeout:               cfg.AnalyzeTimeout,
		publishTimeout:               cfg.PublishTimeout,
		releaseQuotaOnPublishFailure: cfg.ReleaseQuotaOnPublishFailure,
	}
}

// Dispatch はprocessing状態のアイテムを処理する。
// 手順: 解析の解決 → メタデータ生成 → チャンネルアドミッション →
// ready遷移 → 投稿 → uploaded遷移と履歴書き込み。
// 一時的失敗は再試行予算の範囲でpendingに差し戻し、恒久的失敗はfailedにする。
func (d *Dispatcher) Dispatch(ctx context.Context, item *model.QueueItem) error {
	actx, cancel := context.WithTimeout(ctx, d.analyzeTimeout)
	result, cacheHit, err := d.analysisSvc.Resolve(actx, item.VideoFilePath, item.VideoFileName)
	cancel()
	if err != nil {
		return d.handleFailure(ctx, item, model.QueueStatusProcessing, fmt.Errorf("解析に失敗しました: %w", err))
	}
	if cacheHit {
		d.collector.RecordAnalysisCacheHit()
	} else {
		d.collector.RecordAnalysisCacheMiss()
	}

	md, err := d.metadataGen.Generate(result, item.VideoFileName)
	if err != nil {
		// メタデータ生成は純粋関数であり、失敗は再試行しても回復しない
		return d.handleFailure(ctx, item, model.QueueStatusProcessing,
			fmt.Errorf("%w: メタデータ生成に失敗しました: %w", model.ErrPermanent, err))
	}

	channelID, err := d.admit(ctx, item, result.Category)
	if err != nil {
		if errors.Is(err, model.ErrQuotaExhausted) {
			return d.handleQuotaExhausted(ctx, item)
		}
		return d.handleFailure(ctx, item, model.QueueStatusProcessing, err)
	}

	if err := d.queueRepo.MarkReady(ctx, item.ID, channelID, *md); err != nil {
		// ready遷移に失敗した場合は予約済みの枠を返却する
		if _, releaseErr := d.quotaRepo.Release(ctx, channelID); releaseErr != nil {
			d.logger.Error("クォータ枠の返却に失敗しました",
				slog.String("queue_id", item.ID),
				slog.String("channel_id", channelID),
				slog.String("error", releaseErr.Error()),
			)
		}
		return d.handleFailure(ctx, item, model.QueueStatusProcessing, err)
	}

	channel, err := d.channelRepo.FindByID(ctx, channelID)
	if err != nil || channel == nil {
		return d.handleFailure(ctx, item, model.QueueStatusReady,
			fmt.Errorf("%w: 予約済みチャンネルの取得に失敗しました: channel_id=%s", model.ErrTransient, channelID))
	}

	pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	start := time.Now()
	ref, err := d.publisher.Publish(pctx, channel, item.VideoFilePath, md)
	cancel()
	d.collector.RecordPublishLatency(time.Since(start))
	if err != nil {
		if d.releaseQuotaOnPublishFailure {
			if _, releaseErr := d.quotaRepo.Release(ctx, channelID); releaseErr != nil {
				d.logger.Error("クォータ枠の返却に失敗しました",
					slog.String("queue_id", item.ID),
					slog.String("channel_id", channelID),
					slog.String("error", releaseErr.Error()),
				)
			}
		}
		return d.handleFailure(ctx, item, model.QueueStatusReady, fmt.Errorf("投稿に失敗しました: %w", err))
	}

	rec := &model.HistoryRecord{
		ID:            uuid.New().String(),
		QueueID:       item.ID,
		ChannelID:     channelID,
		VideoFileName: item.VideoFileName,
		UploadTime:    time.Now(),
		PublishRefID:  ref.VideoID,
		PublishRefURL: ref.VideoURL,
	}
	if err := d.queueRepo.MarkUploaded(ctx, item.ID, rec); err != nil {
		return d.handleFailure(ctx, item, model.QueueStatusReady, err)
	}

	d.collector.RecordDispatchOutcome("uploaded")
	d.logger.Info("アップロードが完了しました",
		slog.String("queue_id", item.ID),
		slog.String("channel_id", channelID),
		slog.String("video_file_name", item.VideoFileName),
		slog.String("publish_ref_id", ref.VideoID),
	)

	return nil
}

// admit はカテゴリに基づくチャンネル選定とクォータ予約を行う。
// 事前指定チャンネルがある場合はマッチングをスキップしてそのチャンネルのみを候補とする。
// 全候補の予約に失敗した場合はmodel.ErrQuotaExhaustedを返す。
func (d *Dispatcher) admit(ctx context.Context, item *model.QueueItem, category string) (string, error) {
	var candidates []model.ChannelWithUsage

	if item.ChannelID != "" {
		channel, err := d.channelRepo.FindByID(ctx, item.ChannelID)
		if err != nil {
			return "", fmt.Errorf("%w: チャンネルの取得に失敗しました: %w", model.ErrTransient, err)
		}
		if channel == nil || !channel.IsActive {
			return "", fmt.Errorf("%w: 事前指定チャンネルが利用できません: channel_id=%s", model.ErrPermanent, item.ChannelID)
		}
		candidates = []model.ChannelWithUsage{{Channel: *channel}}
	} else {
		snapshot, err := d.channelRepo.ListActiveWithUsage(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: チャンネルスナップショットの取得に失敗しました: %w", model.ErrTransient, err)
		}
		candidates = d.matcher.Candidates(snapshot, category)
		if len(candidates) == 0 {
			return "", fmt.Errorf("%w: カテゴリに合致するアクティブなチャンネルがありません: category=%s", model.ErrPermanent, category)
		}
	}

	// ランキング順にアトミックな「上限未満なら+1」を試行する。
	// 最初に予約が成立した候補が割り当てとなる。
	for _, candidate := range candidates {
		reserved, err := d.quotaRepo.Reserve(ctx, candidate.ID, candidate.MaxDailyUploads)
		if err != nil {
			return "", fmt.Errorf("%w: クォータ予約に失敗しました: channel_id=%s: %w", model.ErrTransient, candidate.ID, err)
		}
		if reserved {
			return candidate.ID, nil
		}
	}

	return "", fmt.Errorf("%w: 全候補チャンネルの本日の上限に到達しています", model.ErrQuotaExhausted)
}

// handleQuotaExhausted は全候補クォータ枯渇のアイテムをpendingに差し戻す。
// 想定内の回復可能な状態であり、failedには遷移させない。
func (d *Dispatcher) handleQuotaExhausted(ctx context.Context, item *model.QueueItem) error {
	d.collector.RecordQuotaExhausted()
	d.collector.RecordDispatchOutcome("quota_exhausted")
	d.logger.Info("全候補チャンネルのクォータが枯渇しているため差し戻します",
		slog.String("queue_id", item.ID),
		slog.Int("attempt_count", item.AttemptCount+1),
	)
	return d.queueRepo.Requeue(ctx, item.ID, model.QueueStatusProcessing, true, "全候補チャンネルの本日の上限に到達しています")
}

// handleFailure は失敗種別に応じてアイテムを遷移させる。
//   - 恒久的失敗: failedに遷移
//   - 一時的失敗: 再試行予算内ならpendingに差し戻し、超過ならfailedに遷移
//   - 競合: 別ワーカーが先に遷移させたため、このアイテムを放棄する
func (d *Dispatcher) handleFailure(ctx context.Context, item *model.QueueItem, from model.QueueStatus, cause error) error {
	if errors.Is(cause, model.ErrConflict) {
		d.collector.RecordClaimConflict()
		d.logger.Warn("状態遷移の競合によりアイテムを放棄します",
			slog.String("queue_id", item.ID),
			slog.String("error", cause.Error()),
		)
		return nil
	}

	if errors.Is(cause, model.ErrPermanent) {
		d.collector.RecordDispatchOutcome("failed")
		d.logger.Error("恒久的失敗のためアイテムをfailedにします",
			slog.String("queue_id", item.ID),
			slog.String("error", cause.Error()),
		)
		return d.queueRepo.MarkFailed(ctx, item.ID, from, cause.Error())
	}

	// 一時的失敗（明示的なErrTransientおよび分類不能なエラー）
	attempts := item.AttemptCount + 1
	if attempts >= d.retryLimit {
		d.collector.RecordDispatchOutcome("failed")
		d.logger.Error("再試行予算を使い切ったためアイテムをfailedにします",
			slog.String("queue_id", item.ID),
			slog.Int("attempt_count", attempts),
			slog.Int("retry_limit", d.retryLimit),
			slog.String("error", cause.Error()),
		)
		reason := fmt.Sprintf("再試行予算（%d回）を使い切りました: %s", d.retryLimit, cause.Error())
		return d.queueRepo.MarkFailed(ctx, item.ID, from, reason)
	}

	d.collector.RecordDispatchOutcome("requeued")
	d.logger.Warn("一時的失敗のためアイテムを差し戻します",
		slog.String("queue_id", item.ID),
		slog.Int("attempt_count", attempts),
		slog.String("error", cause.Error()),
	)
	return d.queueRepo.Requeue(ctx, item.ID, from, true, cause.Error())
}

var _ ItemDispatcherService = (*Dispatcher)(nil)
