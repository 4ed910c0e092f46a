package model

import "time"

// QueueStatus はキューアイテムの状態を表す。
type QueueStatus string

const (
	// QueueStatusPending は処理待ち状態。
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusProcessing はワーカーが処理中の状態。
	QueueStatusProcessing QueueStatus = "processing"
	// QueueStatusReady はチャンネル予約とメタデータ生成が完了し、投稿待ちの状態。
	QueueStatusReady QueueStatus = "ready"
	// QueueStatusUploaded は投稿完了の終端状態。
	QueueStatusUploaded QueueStatus = "uploaded"
	// QueueStatusFailed は失敗の終端状態。オペレーターの再投入でpendingに戻せる。
	QueueStatusFailed QueueStatus = "failed"
)

// validTransitions は状態遷移表。遷移元 -> 許可される遷移先。
// processingを飛ばす遷移は存在しない。
var validTransitions = map[QueueStatus][]QueueStatus{
	QueueStatusPending:    {QueueStatusProcessing, QueueStatusFailed},
	QueueStatusProcessing: {QueueStatusReady, QueueStatusPending, QueueStatusFailed},
	QueueStatusReady:      {QueueStatusUploaded, QueueStatusFailed, QueueStatusPending},
	QueueStatusUploaded:   {},
	QueueStatusFailed:     {QueueStatusPending},
}

// CanTransition はfromからtoへの状態遷移が許可されているかを返す。
func CanTransition(from, to QueueStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal は終端状態（uploaded/failed）かどうかを返す。
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusUploaded || s == QueueStatusFailed
}

// QueueItem はアップロードキューの1件を表す。
// 状態遷移はスケジューラのみが行い、終端状態に達しても監査証跡として削除されない。
type QueueItem struct {
	ID            string
	VideoFilePath string
	VideoFileName string
	FileSizeMB    float64
	ChannelID     string // マッチャーの決定が確定するまで空
	Title         string
	Description   string
	Tags          []string
	ProductURL    string
	Status        QueueStatus
	Priority      int // 0〜100。大きいほど先に処理される
	AttemptCount  int
	ScheduledTime *time.Time
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DefaultPriority はキュー投入時のデフォルト優先度。
const DefaultPriority = 50

// Metadata は生成済みの投稿メタデータを表す。
type Metadata struct {
	Title       string
	Description string
	Tags        []string
}

// PublishRef は外部投稿先が発行した識別子を表す。
type PublishRef struct {
	VideoID  string
	VideoURL string
}

// HistoryRecord はアップロード成功時に書き込まれるイミュータブルなスナップショット。
// 投稿後の再生数などの指標は外部のリコンサイラが後から更新する。
type HistoryRecord struct {
	ID            string
	QueueID       string
	ChannelID     string
	VideoFileName string
	UploadTime    time.Time
	PublishRefID  string
	PublishRefURL string
	ViewsCount    int
	LikesCount    int
	CommentsCount int
	CreatedAt     time.Time
}

// QueueDepth はステータスごとのキュー件数を表す。
type QueueDepth struct {
	Status QueueStatus
	Count  int
	Oldest *time.Time
	Newest *time.Time
}
