// Package handler はHTTP APIハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/queue"
)

// QueueServiceInterface はキューハンドラーが必要とするサービスインターフェース。
type QueueServiceInterface interface {
	// Enqueue は動画ファイルをキューに投入する。
	Enqueue(ctx context.Context, input queue.EnqueueInput) (*model.QueueItem, error)
	// Get は指定IDのキューアイテムを取得する。
	Get(ctx context.Context, id string) (*model.QueueItem, error)
	// List はキューアイテムの一覧を返す。
	List(ctx context.Context, status model.QueueStatus, channelID string, limit int) ([]*model.QueueItem, error)
	// Retry は失敗したアイテムを再度pendingに戻す。
	Retry(ctx context.Context, id string) (*model.QueueItem, error)
	// Schedule は処理開始予定時刻を設定する。
	Schedule(ctx context.Context, id string, scheduledTime time.Time) (*model.QueueItem, error)
	// Stats はステータスごとのキュー滞留状況と当日の投稿件数を返す。
	Stats(ctx context.Context) (*queue.Stats, error)
}

// QueueHandler はアップロードキュー管理のHTTPハンドラー。
type QueueHandler struct {
	service QueueServiceInterface
}

// NewQueueHandler はQueueHandlerを生成する。
func NewQueueHandler(service QueueServiceInterface) *QueueHandler {
	return &QueueHandler{service: service}
}

// enqueueRequest はキュー投入リクエストのボディ。
type enqueueRequest struct {
	VideoFilePath string     `json:"video_file_path"`
	ChannelID     string     `json:"channel_id,omitempty"`
	ProductURL    string     `json:"product_url,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
}

// scheduleRequest は予定時刻設定リクエストのボディ。
type scheduleRequest struct {
	ScheduledTime time.Time `json:"scheduled_time"`
}

// queueItemResponse はキューアイテムのAPIレスポンス。
type queueItemResponse struct {
	ID            string     `json:"id"`
	VideoFilePath string     `json:"video_file_path"`
	VideoFileName string     `json:"video_file_name"`
	FileSizeMB    float64    `json:"file_size_mb"`
	ChannelID     string     `json:"channel_id,omitempty"`
	Title         string     `json:"title,omitempty"`
	Description   string     `json:"description,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	ProductURL    string     `json:"product_url,omitempty"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	AttemptCount  int        `json:"attempt_count"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// queueDepthResponse はステータスごとのキュー滞留状況のAPIレスポンス。
type queueDepthResponse struct {
	Status string     `json:"status"`
	Count  int        `json:"count"`
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

// queueStatsResponse はキュー統計のAPIレスポンス。
type queueStatsResponse struct {
	Depths       []queueDepthResponse `json:"depths"`
	TodayUploads int                  `json:"today_uploads"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Enqueue はキュー投入を処理する。
// POST /api/queue
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	if req.VideoFilePath == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidVideoFileError("ファイルパスが空です"))
		return
	}

	item, err := h.service.Enqueue(r.Context(), queue.EnqueueInput{
		VideoFilePath: req.VideoFilePath,
		ChannelID:     req.ChannelID,
		ProductURL:    req.ProductURL,
		Priority:      req.Priority,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toQueueItemResponse(item))
}

// List はキューアイテム一覧を取得する。
// GET /api/queue?status=&channel_id=&limit=
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.QueueStatus(r.URL.Query().Get("status"))
	channelID := r.URL.Query().Get("channel_id")

	limit := 100
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

	items, err := h.service.List(r.Context(), status, channelID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toQueueItemResponse(item))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Get はキューアイテム詳細を取得する。
// GET /api/queue/{id}
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toQueueItemResponse(item))
}

// Retry は失敗アイテムの再投入を処理する。
// POST /api/queue/{id}/retry
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.service.Retry(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toQueueItemResponse(item))
}

// Schedule は処理開始予定時刻の設定を処理する。
// PATCH /api/queue/{id}/schedule
func (h *QueueHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}
	if req.ScheduledTime.IsZero() {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "scheduled_timeが指定されていません。",
			Category: "validation",
			Action:   "RFC 3339形式の日時を指定してください。",
		})
		return
	}

	item, err := h.service.Schedule(r.Context(), id, req.ScheduledTime)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toQueueItemResponse(item))
}

// Stats はキュー滞留状況と当日の投稿件数を取得する。
// GET /api/queue/stats
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := queueStatsResponse{
		Depths:       make([]queueDepthResponse, 0, len(stats.Depths)),
		TodayUploads: stats.TodayUploads,
	}
	for _, d := range stats.Depths {
		resp.Depths = append(resp.Depths, queueDepthResponse{
			Status: string(d.Status),
			Count:  d.Count,
			Oldest: d.Oldest,
			Newest: d.Newest,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// toQueueItemResponse はモデルをAPIレスポンスに変換する。
func toQueueItemResponse(item *model.QueueItem) queueItemResponse {
	return queueItemResponse{
		ID:            item.ID,
		VideoFilePath: item.VideoFilePath,
		VideoFileName: item.VideoFileName,
		FileSizeMB:    item.FileSizeMB,
		ChannelID:     item.ChannelID,
		Title:         item.Title,
		Description:   item.Description,
		Tags:          item.Tags,
		ProductURL:    item.ProductURL,
		Status:        string(item.Status),
		Priority:      item.Priority,
		AttemptCount:  item.AttemptCount,
		ScheduledTime: item.ScheduledTime,
		ErrorMessage:  item.ErrorMessage,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
	}
}

// invalidRequestError はリクエストボディ解析失敗のエラーを生成する。
func invalidRequestError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// writeAPIErrorResponse は統一エラーフォーマットのレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if errors.Is(err, model.ErrConflict) {
		writeAPIErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     "CONFLICT",
			Message:  "アイテムの状態が変更されています。",
			Category: "queue",
			Action:   "最新の状態を取得してから再度お試しください。",
		})
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeQueueItemNotFound, model.ErrCodeChannelNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidTransition, model.ErrCodeDailyLimitReached:
		return http.StatusConflict
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeInvalidVideoFile, model.ErrCodeFileSizeOutOfRange,
		model.ErrCodeInvalidURL, model.ErrCodeInvalidChannel, model.ErrCodeInvalidPriority:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
