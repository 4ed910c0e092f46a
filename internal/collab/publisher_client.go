package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/hitoshi/uploadman/internal/model"
)

// PublisherClient は外部投稿プラットフォームのHTTPアダプタ。
// レートリミッターで呼び出し間隔を空け、アップロードラッシュを防ぐ。
type PublisherClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	limiter    *rate.Limiter
}

// NewPublisherClient はPublisherClient の新しいインスタンスを生成する。
// intervalは連続する投稿呼び出しの最小間隔。
func NewPublisherClient(httpClient *http.Client, endpoint string, interval rate.Limit, logger *slog.Logger) *PublisherClient {
	return &PublisherClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
		limiter:    rate.NewLimiter(interval, 1),
	}
}

// publishRequest は投稿リクエストのJSONボディ。
type publishRequest struct {
	ChannelID   string   `json:"channel_id"`
	ChannelURL  string   `json:"channel_url"`
	FilePath    string   `json:"file_path"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// publishResponse は投稿先プラットフォームのレスポンスボディ。
type publishResponse struct {
	VideoID  string `json:"video_id"`
	VideoURL string `json:"video_url"`
}

// Publish は動画を外部プラットフォームに投稿する。
// 冪等性は仮定できないため、呼び出し元は1回の試行につき本メソッドを
// 最大1回しか呼ばない。失敗の種別はmodel.ErrTransient / model.ErrPermanentで示す。
func (c *PublisherClient) Publish(ctx context.Context, channel *model.Channel, filePath string, md *model.Metadata) (*model.PublishRef, error) {
	// レートリミッターで呼び出し間隔を確保する
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: レートリミッター待機中に中断されました: %w", model.ErrTransient, err)
	}

	body, err := json.Marshal(publishRequest{
		ChannelID:   channel.ID,
		ChannelURL:  channel.URL,
		FilePath:    filePath,
		Title:       md.Title,
		Description: md.Description,
		Tags:        md.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("投稿リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Uploadman/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("投稿サービスの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("channel_id", channel.ID),
		)
		return nil, fmt.Errorf("投稿サービスへの接続に失敗しました: %w: %w", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case CallResultTransient:
		c.logger.Warn("投稿サービスが一時的エラーを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("channel_id", channel.ID),
		)
		return nil, fmt.Errorf("%w: 投稿サービスがステータス %d を返しました", model.ErrTransient, resp.StatusCode)
	case CallResultPermanent:
		c.logger.Error("投稿サービスが恒久的エラーを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("channel_id", channel.ID),
		)
		return nil, fmt.Errorf("%w: 投稿サービスがステータス %d を返しました", model.ErrPermanent, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: レスポンスボディの読み取りに失敗しました: %w", model.ErrTransient, err)
	}

	var decoded publishResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("%w: 投稿レスポンスのパースに失敗しました: %w", model.ErrPermanent, err)
	}
	if decoded.VideoID == "" {
		return nil, fmt.Errorf("%w: 投稿レスポンスにvideo_idが含まれていません", model.ErrPermanent)
	}

	return &model.PublishRef{
		VideoID:  decoded.VideoID,
		VideoURL: decoded.VideoURL,
	}, nil
}

var _ Publisher = (*PublisherClient)(nil)
