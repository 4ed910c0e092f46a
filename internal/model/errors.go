package model

import (
	"errors"
	"fmt"
)

// ErrConflict は状態遷移の前提条件が満たされなかったことを表すセンチネルエラー。
// 複数ワーカーが同一アイテムを奪い合った場合などに返る。
// 敗者はこのアイテムを放棄し、次の候補へ進む（副作用を二重適用しない）。
var ErrConflict = errors.New("状態遷移の前提条件が一致しません")

// ErrQuotaExhausted は適格な全チャンネルの当日クォータが枯渇していることを表す。
// エラーではなく回復可能な状態であり、アイテムはpendingに戻して後続パスで再試行する。
var ErrQuotaExhausted = errors.New("全候補チャンネルの当日クォータが枯渇しています")

// ErrTransient は一時的な外部要因による失敗を表すセンチネルエラー。
// タイムアウト、レート制限、5xx応答など。リトライ予算内で再試行される。
var ErrTransient = errors.New("一時的な失敗")

// ErrPermanent は再試行しても回復しない失敗を表すセンチネルエラー。
// アイテムはfailedに遷移し、自動では再試行されない。
var ErrPermanent = errors.New("恒久的な失敗")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, queue, channel, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeQueueItemNotFound  = "QUEUE_ITEM_NOT_FOUND"
	ErrCodeChannelNotFound    = "CHANNEL_NOT_FOUND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeInvalidVideoFile   = "INVALID_VIDEO_FILE"
	ErrCodeFileSizeOutOfRange = "FILE_SIZE_OUT_OF_RANGE"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeInvalidChannel     = "INVALID_CHANNEL"
	ErrCodeInvalidPriority    = "INVALID_PRIORITY"
	ErrCodeDailyLimitReached  = "DAILY_LIMIT_REACHED"
)

// NewQueueItemNotFoundError はキューアイテム未検出エラーを生成する。
func NewQueueItemNotFoundError(queueID string) *APIError {
	return &APIError{
		Code:     ErrCodeQueueItemNotFound,
		Message:  fmt.Sprintf("指定されたキューアイテムが見つかりません: %s", queueID),
		Category: "queue",
		Action:   "キューIDを確認してください。",
	}
}

// NewChannelNotFoundError はチャンネル未検出エラーを生成する。
func NewChannelNotFoundError(channelID string) *APIError {
	return &APIError{
		Code:     ErrCodeChannelNotFound,
		Message:  fmt.Sprintf("指定されたチャンネルが見つかりません: %s", channelID),
		Category: "channel",
		Action:   "チャンネルIDを確認してください。",
	}
}

// NewInvalidTransitionError は許可されていない状態遷移エラーを生成する。
func NewInvalidTransitionError(from, to QueueStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("許可されていない状態遷移です: %s -> %s", from, to),
		Category: "queue",
		Action:   "アイテムの現在の状態を確認してください。",
	}
}

// NewInvalidVideoFileError は動画ファイルが不正な場合のエラーを生成する。
func NewInvalidVideoFileError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVideoFile,
		Message:  fmt.Sprintf("動画ファイルが不正です: %s", reason),
		Category: "validation",
		Action:   "ファイルパスと対応形式（mp4, avi, mov, mkv）を確認してください。",
	}
}

// NewFileSizeOutOfRangeError はファイルサイズが許容範囲外の場合のエラーを生成する。
func NewFileSizeOutOfRangeError(sizeMB float64, minMB, maxMB int) *APIError {
	return &APIError{
		Code:     ErrCodeFileSizeOutOfRange,
		Message:  fmt.Sprintf("ファイルサイズが許容範囲外です: %.2f MB（許容: %d〜%d MB）", sizeMB, minMB, maxMB),
		Category: "validation",
		Action:   "許容サイズ内の動画ファイルを指定してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。",
	}
}

// NewInvalidChannelError はチャンネル定義が不正な場合のエラーを生成する。
func NewInvalidChannelError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidChannel,
		Message:  fmt.Sprintf("チャンネル定義が不正です: %s", reason),
		Category: "channel",
		Action:   "チャンネル種別・親チャンネル・クォータの指定を確認してください。",
	}
}

// NewInvalidPriorityError は優先度が範囲外の場合のエラーを生成する。
func NewInvalidPriorityError(priority int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPriority,
		Message:  fmt.Sprintf("無効な優先度です: %d", priority),
		Category: "validation",
		Action:   "優先度は0から100の範囲で指定してください。",
	}
}

// NewDailyLimitReachedError は事前指定チャンネルの当日クォータが既に枯渇している場合のエラーを生成する。
func NewDailyLimitReachedError(channelID string) *APIError {
	return &APIError{
		Code:     ErrCodeDailyLimitReached,
		Message:  fmt.Sprintf("チャンネルの当日投稿上限に達しています: %s", channelID),
		Category: "channel",
		Action:   "別のチャンネルを指定するか、日付が変わってから再試行してください。",
	}
}
