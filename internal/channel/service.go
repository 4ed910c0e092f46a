// Package channel は投稿先チャンネルの管理サービスを提供する。
// 登録・編集は管理APIから行われ、スケジューラは読み取りのみを行う。
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
	"github.com/hitoshi/uploadman/internal/security"
)

// CreateInput はチャンネル登録のリクエストパラメータ。
type CreateInput struct {
	Name            string
	URL             string
	Kind            model.ChannelKind
	ParentChannelID string
	Category        string
	Description     string
	PartnerURL      string
	MaxDailyUploads int
}

// UpdateInput はチャンネル更新のリクエストパラメータ。
// nilのフィールドは変更しない。
type UpdateInput struct {
	Name            *string
	URL             *string
	Category        *string
	Description     *string
	PartnerURL      *string
	MaxDailyUploads *int
	IsActive        *bool
}

// Service はチャンネル管理サービス。
type Service struct {
	channelRepo repository.ChannelRepository
	historyRepo repository.HistoryRepository
	ssrfGuard   security.SSRFGuardService
	logger      *slog.Logger
}

// NewService はService の新しいインスタンスを生成する。
func NewService(
	channelRepo repository.ChannelRepository,
	historyRepo repository.HistoryRepository,
	ssrfGuard security.SSRFGuardService,
	logger *slog.Logger,
) *Service {
	return &Service{
		channelRepo: channelRepo,
		historyRepo: historyRepo,
		ssrfGuard:   ssrfGuard,
		logger:      logger,
	}
}

// Create はチャンネルを登録する。
// 種別・親参照（secondaryの親はprimaryのみ、深さ1まで）・クォータ・URLを検証する。
func (s *Service) Create(ctx context.Context, input CreateInput) (*model.Channel, error) {
	if input.Name == "" {
		return nil, model.NewInvalidChannelError("チャンネル名が空です")
	}
	if input.Kind != model.ChannelKindPrimary && input.Kind != model.ChannelKindSecondary {
		return nil, model.NewInvalidChannelError(fmt.Sprintf("未知のチャンネル種別です: %s", input.Kind))
	}
	if input.Category == "" {
		return nil, model.NewInvalidChannelError("カテゴリが空です")
	}
	if input.MaxDailyUploads <= 0 {
		return nil, model.NewInvalidChannelError("1日の投稿上限は1以上である必要があります")
	}

	if err := s.validateURLs(input.URL, input.PartnerURL); err != nil {
		return nil, err
	}

	if err := s.validateParent(ctx, input.Kind, input.ParentChannelID); err != nil {
		return nil, err
	}

	now := time.Now()
	channel := &model.Channel{
		ID:              uuid.New().String(),
		Name:            input.Name,
		URL:             input.URL,
		Kind:            input.Kind,
		ParentChannelID: input.ParentChannelID,
		Category:        input.Category,
		Description:     input.Description,
		PartnerURL:      input.PartnerURL,
		MaxDailyUploads: input.MaxDailyUploads,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.channelRepo.Create(ctx, channel); err != nil {
		return nil, fmt.Errorf("チャンネルの作成に失敗しました: %w", err)
	}

	s.logger.Info("チャンネルを登録しました",
		slog.String("channel_id", channel.ID),
		slog.String("name", channel.Name),
		slog.String("kind", string(channel.Kind)),
		slog.String("category", channel.Category),
	)

	return channel, nil
}

// validateParent は親チャンネル参照の整合性を検証する。
// primaryは親を持てず、secondaryの親はprimaryでなければならない。
func (s *Service) validateParent(ctx context.Context, kind model.ChannelKind, parentID string) error {
	if parentID == "" {
		return nil
	}
	if kind == model.ChannelKindPrimary {
		return model.NewInvalidChannelError("primaryチャンネルは親チャンネルを指定できません")
	}

	parent, err := s.channelRepo.FindByID(ctx, parentID)
	if err != nil {
		return fmt.Errorf("親チャンネルの取得に失敗しました: %w", err)
	}
	if parent == nil {
		return model.NewChannelNotFoundError(parentID)
	}
	if parent.Kind != model.ChannelKindPrimary {
		return model.NewInvalidChannelError("親チャンネルはprimaryである必要があります")
	}
	return nil
}

// validateURLs はチャンネルURLと提携URLの安全性を検証する。
func (s *Service) validateURLs(channelURL, partnerURL string) error {
	if channelURL == "" {
		return model.NewInvalidChannelError("チャンネルURLが空です")
	}
	if err := s.ssrfGuard.ValidateURL(channelURL); err != nil {
		return model.NewInvalidURLError(fmt.Sprintf("チャンネルURLが不正です: %s", err.Error()))
	}
	if partnerURL != "" {
		if err := s.ssrfGuard.ValidateURL(partnerURL); err != nil {
			return model.NewInvalidURLError(fmt.Sprintf("提携URLが不正です: %s", err.Error()))
		}
	}
	return nil
}

// Get は指定IDのチャンネルを取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.Channel, error) {
	channel, err := s.channelRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}
	if channel == nil {
		return nil, model.NewChannelNotFoundError(id)
	}
	return channel, nil
}

// List は全チャンネル（非アクティブ含む）を返す。
func (s *Service) List(ctx context.Context) ([]*model.Channel, error) {
	return s.channelRepo.List(ctx)
}

// Update はチャンネル情報を部分更新する。
// 種別と親参照は登録後の変更を許可しない（階層の整合性を保つため）。
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (*model.Channel, error) {
	channel, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if *input.Name == "" {
			return nil, model.NewInvalidChannelError("チャンネル名が空です")
		}
		channel.Name = *input.Name
	}
	if input.URL != nil {
		if err := s.ssrfGuard.ValidateURL(*input.URL); err != nil {
			return nil, model.NewInvalidURLError(fmt.Sprintf("チャンネルURLが不正です: %s", err.Error()))
		}
		channel.URL = *input.URL
	}
	if input.Category != nil {
		if *input.Category == "" {
			return nil, model.NewInvalidChannelError("カテゴリが空です")
		}
		channel.Category = *input.Category
	}
	if input.Description != nil {
		channel.Description = *input.Description
	}
	if input.PartnerURL != nil {
		if *input.PartnerURL != "" {
			if err := s.ssrfGuard.ValidateURL(*input.PartnerURL); err != nil {
				return nil, model.NewInvalidURLError(fmt.Sprintf("提携URLが不正です: %s", err.Error()))
			}
		}
		channel.PartnerURL = *input.PartnerURL
	}
	if input.MaxDailyUploads != nil {
		if *input.MaxDailyUploads <= 0 {
			return nil, model.NewInvalidChannelError("1日の投稿上限は1以上である必要があります")
		}
		channel.MaxDailyUploads = *input.MaxDailyUploads
	}
	if input.IsActive != nil {
		channel.IsActive = *input.IsActive
	}

	if err := s.channelRepo.Update(ctx, channel); err != nil {
		return nil, fmt.Errorf("チャンネルの更新に失敗しました: %w", err)
	}

	s.logger.Info("チャンネルを更新しました",
		slog.String("channel_id", channel.ID),
		slog.Bool("is_active", channel.IsActive),
	)

	return channel, nil
}

// Stats は指定チャンネルの投稿統計を返す。
func (s *Service) Stats(ctx context.Context, id string) (*repository.ChannelStats, error) {
	stats, err := s.historyRepo.ChannelStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("チャンネル統計の取得に失敗しました: %w", err)
	}
	if stats == nil {
		return nil, model.NewChannelNotFoundError(id)
	}
	return stats, nil
}

// History は指定チャンネルの投稿履歴を新しい順で返す。
func (s *Service) History(ctx context.Context, id string, limit int) ([]*model.HistoryRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.historyRepo.ListByChannel(ctx, id, limit)
}
