// Package queue はアップロードキューへの投入と操作を提供する。
// 状態遷移の実体はリポジトリの条件付きUPDATEであり、本パッケージは
// 入力検証と遷移の前提条件チェックを担う。
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/uploadman/internal/config"
	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
	"github.com/hitoshi/uploadman/internal/security"
)

// Kicker はディスパッチャーへの起床通知インターフェース。
// 通知はベストエフォートであり、取りこぼしても次回のポーリングで処理される。
type Kicker interface {
	Kick()
}

// EnqueueInput はキュー投入のリクエストパラメータ。
type EnqueueInput struct {
	VideoFilePath string
	ChannelID     string // 事前指定。空の場合はマッチャーが決定する
	ProductURL    string
	Priority      *int // nilの場合はDefaultPriority
	ScheduledTime *time.Time
}

// Service はアップロードキューの操作サービス。
type Service struct {
	queueRepo   repository.QueueRepository
	channelRepo repository.ChannelRepository
	quotaRepo   repository.QuotaRepository
	historyRepo repository.HistoryRepository
	ssrfGuard   security.SSRFGuardService
	cfg         *config.Config
	kicker      Kicker
	logger      *slog.Logger
}

// NewService はService の新しいインスタンスを生成する。
// kickerはnil可（worker未起動のプロセスでは通知しない）。
func NewService(
	queueRepo repository.QueueRepository,
	channelRepo repository.ChannelRepository,
	quotaRepo repository.QuotaRepository,
	historyRepo repository.HistoryRepository,
	ssrfGuard security.SSRFGuardService,
	cfg *config.Config,
	kicker Kicker,
	logger *slog.Logger,
) *Service {
	return &Service{
		queueRepo:   queueRepo,
		channelRepo: channelRepo,
		quotaRepo:   quotaRepo,
		historyRepo: historyRepo,
		ssrfGuard:   ssrfGuard,
		cfg:         cfg,
		kicker:      kicker,
		logger:      logger,
	}
}

// Enqueue は動画ファイルをキューに投入する。
// ファイルの存在・サイズ・形式、優先度の範囲、事前指定チャンネルの
// 有効性を検証し、pending状態のアイテムを作成する。
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*model.QueueItem, error) {
	fileName := filepath.Base(input.VideoFilePath)

	if !s.cfg.IsSupportedVideoFile(fileName) {
		return nil, model.NewInvalidVideoFileError(fmt.Sprintf("対応していないファイル形式です: %s", fileName))
	}

	info, err := os.Stat(input.VideoFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewInvalidVideoFileError(fmt.Sprintf("ファイルが存在しません: %s", input.VideoFilePath))
		}
		return nil, fmt.Errorf("ファイル情報の取得に失敗しました: %w", err)
	}
	if info.IsDir() {
		return nil, model.NewInvalidVideoFileError(fmt.Sprintf("ディレクトリは投入できません: %s", input.VideoFilePath))
	}

	sizeMB := float64(info.Size()) / (1024 * 1024)
	if sizeMB < float64(s.cfg.MinFileSizeMB) || sizeMB > float64(s.cfg.MaxFileSizeMB) {
		return nil, model.NewFileSizeOutOfRangeError(sizeMB, s.cfg.MinFileSizeMB, s.cfg.MaxFileSizeMB)
	}

	priority := model.DefaultPriority
	if input.Priority != nil {
		priority = *input.Priority
		if priority < 0 || priority > 100 {
			return nil, model.NewInvalidPriorityError(priority)
		}
	}

	if input.ProductURL != "" {
		if err := s.ssrfGuard.ValidateURL(input.ProductURL); err != nil {
			return nil, model.NewInvalidURLError(fmt.Sprintf("商品URLが不正です: %s", err.Error()))
		}
	}

	if input.ChannelID != "" {
		if err := s.validatePreassignedChannel(ctx, input.ChannelID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	item := &model.QueueItem{
		ID:            uuid.New().String(),
		VideoFilePath: input.VideoFilePath,
		VideoFileName: fileName,
		FileSizeMB:    sizeMB,
		ChannelID:     input.ChannelID,
		ProductURL:    input.ProductURL,
		Status:        model.QueueStatusPending,
		Priority:      priority,
		ScheduledTime: input.ScheduledTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.queueRepo.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("キューアイテムの作成に失敗しました: %w", err)
	}

	s.logger.Info("キューに投入しました",
		slog.String("queue_id", item.ID),
		slog.String("video_file_name", item.VideoFileName),
		slog.Int("priority", item.Priority),
	)

	if s.kicker != nil {
		s.kicker.Kick()
	}

	return item, nil
}

// validatePreassignedChannel は事前指定チャンネルの有効性を検証する。
// 非アクティブなチャンネルと当日の上限到達済みチャンネルは指定できない。
func (s *Service) validatePreassignedChannel(ctx context.Context, channelID string) error {
	channel, err := s.channelRepo.FindByID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}
	if channel == nil {
		return model.NewChannelNotFoundError(channelID)
	}
	if !channel.IsActive {
		return model.NewInvalidChannelError("非アクティブなチャンネルは指定できません")
	}

	count, err := s.quotaRepo.TodayCount(ctx, channelID)
	if err != nil {
		return fmt.Errorf("投稿実績の取得に失敗しました: %w", err)
	}
	if count >= channel.MaxDailyUploads {
		return model.NewDailyLimitReachedError(channelID)
	}
	return nil
}

// Get は指定IDのキューアイテムを取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.QueueItem, error) {
	item, err := s.queueRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("キューアイテムの取得に失敗しました: %w", err)
	}
	if item == nil {
		return nil, model.NewQueueItemNotFoundError(id)
	}
	return item, nil
}

// List はキューアイテムの一覧を返す。
func (s *Service) List(ctx context.Context, status model.QueueStatus, channelID string, limit int) ([]*model.QueueItem, error) {
	return s.queueRepo.List(ctx, status, channelID, limit)
}

// Retry は失敗したアイテムを再度pendingに戻す。
// failedからの再投入はattempt_countをリセットせず、エラーメッセージをクリアする。
func (s *Service) Retry(ctx context.Context, id string) (*model.QueueItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(item.Status, model.QueueStatusPending) {
		return nil, model.NewInvalidTransitionError(item.Status, model.QueueStatusPending)
	}

	if err := s.queueRepo.Requeue(ctx, id, item.Status, false, ""); err != nil {
		return nil, err
	}

	s.logger.Info("キューアイテムを再投入しました",
		slog.String("queue_id", id),
		slog.String("from_status", string(item.Status)),
	)

	if s.kicker != nil {
		s.kicker.Kick()
	}

	return s.Get(ctx, id)
}

// Schedule はpendingのアイテムの処理開始予定時刻を設定する。
// 過去の時刻を指定した場合は即時処理対象となる。
func (s *Service) Schedule(ctx context.Context, id string, scheduledTime time.Time) (*model.QueueItem, error) {
	if err := s.queueRepo.UpdateScheduledTime(ctx, id, scheduledTime); err != nil {
		return nil, err
	}

	s.logger.Info("処理予定時刻を設定しました",
		slog.String("queue_id", id),
		slog.Time("scheduled_time", scheduledTime),
	)

	return s.Get(ctx, id)
}

// Stats はキュー滞留状況と当日の投稿実績のスナップショット。
type Stats struct {
	Depths       []model.QueueDepth
	TodayUploads int
}

// Stats はステータスごとのキュー滞留状況と当日の投稿件数を返す。
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	depths, err := s.queueRepo.DepthByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("キュー滞留状況の取得に失敗しました: %w", err)
	}

	today, err := s.historyRepo.CountUploadedToday(ctx)
	if err != nil {
		return nil, fmt.Errorf("当日の投稿件数の取得に失敗しました: %w", err)
	}

	return &Stats{Depths: depths, TodayUploads: today}, nil
}
