package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/uploadman/internal/channel"
	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
)

// ChannelServiceInterface はチャンネルハンドラーが必要とするサービスインターフェース。
type ChannelServiceInterface interface {
	Create(ctx context.Context, input channel.CreateInput) (*model.Channel, error)
	Get(ctx context.Context, id string) (*model.Channel, error)
	List(ctx context.Context) ([]*model.Channel, error)
	Update(ctx context.Context, id string, input channel.UpdateInput) (*model.Channel, error)
	Stats(ctx context.Context, id string) (*repository.ChannelStats, error)
	History(ctx context.Context, id string, limit int) ([]*model.HistoryRecord, error)
}

// ChannelHandler はチャンネル管理のHTTPハンドラー。
type ChannelHandler struct {
	service ChannelServiceInterface
}

// NewChannelHandler はChannelHandlerを生成する。
func NewChannelHandler(service ChannelServiceInterface) *ChannelHandler {
	return &ChannelHandler{service: service}
}

// createChannelRequest はチャンネル登録リクエストのボディ。
type createChannelRequest struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	Kind            string `json:"kind"`
	ParentChannelID string `json:"parent_channel_id,omitempty"`
	Category        string `json:"category"`
	Description     string `json:"description,omitempty"`
	PartnerURL      string `json:"partner_url,omitempty"`
	MaxDailyUploads int    `json:"max_daily_uploads"`
}

// updateChannelRequest はチャンネル更新リクエストのボディ。
type updateChannelRequest struct {
	Name            *string `json:"name,omitempty"`
	URL             *string `json:"url,omitempty"`
	Category        *string `json:"category,omitempty"`
	Description     *string `json:"description,omitempty"`
	PartnerURL      *string `json:"partner_url,omitempty"`
	MaxDailyUploads *int    `json:"max_daily_uploads,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
}

// channelResponse はチャンネル情報のAPIレスポンス。
type channelResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Kind            string    `json:"kind"`
	ParentChannelID string    `json:"parent_channel_id,omitempty"`
	Category        string    `json:"category"`
	Description     string    `json:"description,omitempty"`
	PartnerURL      string    `json:"partner_url,omitempty"`
	MaxDailyUploads int       `json:"max_daily_uploads"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// channelStatsResponse はチャンネル統計のAPIレスポンス。
type channelStatsResponse struct {
	ChannelName      string `json:"channel_name"`
	MaxDailyUploads  int    `json:"max_daily_uploads"`
	TodayUploads     int    `json:"today_uploads"`
	RemainingUploads int    `json:"remaining_uploads"`
	TotalUploads     int    `json:"total_uploads"`
	UploadsLast7Days int    `json:"uploads_last_7_days"`
}

// historyResponse はアップロード履歴のAPIレスポンス。
type historyResponse struct {
	ID            string    `json:"id"`
	QueueID       string    `json:"queue_id"`
	ChannelID     string    `json:"channel_id"`
	VideoFileName string    `json:"video_file_name"`
	UploadTime    time.Time `json:"upload_time"`
	PublishRefID  string    `json:"publish_ref_id,omitempty"`
	PublishRefURL string    `json:"publish_ref_url,omitempty"`
	ViewsCount    int       `json:"views_count"`
	LikesCount    int       `json:"likes_count"`
	CommentsCount int       `json:"comments_count"`
}

// Create はチャンネル登録を処理する。
// POST /api/channels
func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	ch, err := h.service.Create(r.Context(), channel.CreateInput{
		Name:            req.Name,
		URL:             req.URL,
		Kind:            model.ChannelKind(req.Kind),
		ParentChannelID: req.ParentChannelID,
		Category:        req.Category,
		Description:     req.Description,
		PartnerURL:      req.PartnerURL,
		MaxDailyUploads: req.MaxDailyUploads,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toChannelResponse(ch))
}

// List はチャンネル一覧を取得する。
// GET /api/channels
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	channels, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		resp = append(resp, toChannelResponse(ch))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Get はチャンネル詳細を取得する。
// GET /api/channels/{id}
func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ch, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChannelResponse(ch))
}

// Update はチャンネル更新を処理する。
// PATCH /api/channels/{id}
func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	ch, err := h.service.Update(r.Context(), id, channel.UpdateInput{
		Name:            req.Name,
		URL:             req.URL,
		Category:        req.Category,
		Description:     req.Description,
		PartnerURL:      req.PartnerURL,
		MaxDailyUploads: req.MaxDailyUploads,
		IsActive:        req.IsActive,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChannelResponse(ch))
}

// Stats はチャンネル統計を取得する。
// GET /api/channels/{id}/stats
func (h *ChannelHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stats, err := h.service.Stats(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(channelStatsResponse{
		ChannelName:      stats.ChannelName,
		MaxDailyUploads:  stats.MaxDailyUploads,
		TodayUploads:     stats.TodayUploads,
		RemainingUploads: stats.RemainingUploads,
		TotalUploads:     stats.TotalUploads,
		UploadsLast7Days: stats.UploadsLast7Days,
	})
}

// History はチャンネルの投稿履歴を取得する。
// GET /api/channels/{id}/history?limit=
func (h *ChannelHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_REQUEST",
				Message:  "limitは正の整数で指定してください。",
				Category: "validation",
				Action:   "クエリパラメータを確認してください。",
			})
			return
		}
		limit = parsed
	}

	records, err := h.service.History(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]historyResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, historyResponse{
			ID:            rec.ID,
			QueueID:       rec.QueueID,
			ChannelID:     rec.ChannelID,
			VideoFileName: rec.VideoFileName,
			UploadTime:    rec.UploadTime,
			PublishRefID:  rec.PublishRefID,
			PublishRefURL: rec.PublishRefURL,
			ViewsCount:    rec.ViewsCount,
			LikesCount:    rec.LikesCount,
			CommentsCount: rec.CommentsCount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// toChannelResponse はモデルをAPIレスポンスに変換する。
func toChannelResponse(ch *model.Channel) channelResponse {
	return channelResponse{
		ID:              ch.ID,
		Name:            ch.Name,
		URL:             ch.URL,
		Kind:            string(ch.Kind),
		ParentChannelID: ch.ParentChannelID,
		Category:        ch.Category,
		Description:     ch.Description,
		PartnerURL:      ch.PartnerURL,
		MaxDailyUploads: ch.MaxDailyUploads,
		IsActive:        ch.IsActive,
		CreatedAt:       ch.CreatedAt,
		UpdatedAt:       ch.UpdatedAt,
	}
}
