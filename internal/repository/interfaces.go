// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/uploadman/internal/model"
)

// ChannelRepository はチャンネルデータの永続化インターフェース。
type ChannelRepository interface {
	// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Channel, error)

	// Create はチャンネルを作成する。
	Create(ctx context.Context, channel *model.Channel) error

	// Update はチャンネル情報を更新する。
	Update(ctx context.Context, channel *model.Channel) error

	// List は全チャンネル（非アクティブ含む）を名前順で返す。
	List(ctx context.Context) ([]*model.Channel, error)

	// ListActiveWithUsage はアクティブな全チャンネルを当日の投稿実績付きで返す。
	// マッチャーのランキング入力となるスナップショット。
	ListActiveWithUsage(ctx context.Context) ([]model.ChannelWithUsage, error)
}

// QueueRepository はアップロードキューの永続化インターフェース。
// 全ての状態遷移は現在状態を前提条件とする条件付きUPDATEで行い、
// 前提条件が満たされない場合はmodel.ErrConflictを返す。
type QueueRepository interface {
	// Create はキューアイテムを作成する。
	Create(ctx context.Context, item *model.QueueItem) error

	// FindByID は指定IDのキューアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.QueueItem, error)

	// List はキューアイテムの一覧を返す。statusとchannelIDは空文字で無条件。
	List(ctx context.Context, status model.QueueStatus, channelID string, limit int) ([]*model.QueueItem, error)

	// ClaimNext は処理対象のキューアイテムを1件アトミックに確保する。
	// pendingかつscheduled_timeが未来でないアイテムを
	// 優先度降順・作成日時昇順で選び、FOR UPDATE SKIP LOCKEDの
	// サブクエリを伴う条件付きUPDATEでprocessingに遷移させる。
	// 対象がない場合はnilを返す。
	ClaimNext(ctx context.Context) (*model.QueueItem, error)

	// MarkReady はprocessingのアイテムにチャンネルとメタデータを確定しreadyに遷移させる。
	MarkReady(ctx context.Context, id, channelID string, md model.Metadata) error

	// MarkUploaded はreadyのアイテムをuploadedに遷移させ、
	// 同一トランザクションで履歴レコードを書き込む。
	MarkUploaded(ctx context.Context, id string, rec *model.HistoryRecord) error

	// MarkFailed はアイテムをfailedに遷移させ、失敗理由を記録する。
	MarkFailed(ctx context.Context, id string, from model.QueueStatus, reason string) error

	// Requeue はアイテムをpendingに戻す。incrementAttemptがtrueの場合は
	// attempt_countをインクリメントする。reasonは空文字でクリア。
	Requeue(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error

	// UpdateScheduledTime はpendingのアイテムの予定時刻を設定する。
	UpdateScheduledTime(ctx context.Context, id string, scheduledTime time.Time) error

	// DepthByStatus はステータスごとの件数と最古・最新の作成日時を返す。
	DepthByStatus(ctx context.Context) ([]model.QueueDepth, error)

	// DeleteTerminalOlderThan は終端状態（uploaded/failed）のうち
	// 更新日時が保持期間を超過した行を削除し、削除件数を返す。
	DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// QuotaRepository はチャンネル×日付ごとの投稿クォータ台帳のインターフェース。
// Reserveが唯一のアドミッションゲートであり、ストアレベルの原子性で保護される。
type QuotaRepository interface {
	// Reserve は（channelID, 当日）のカウンタに対して
	// 「上限未満なら+1」を単一の不可分な操作として実行する。
	// 予約できた場合はtrue、上限到達で予約できなかった場合はfalseを返す。
	Reserve(ctx context.Context, channelID string, limit int) (bool, error)

	// Release は当日のカウンタを1つ返却する（upload_count > 0 の場合のみ）。
	// 投稿失敗時の枠返却ポリシーが有効な場合にのみ呼ばれる。
	Release(ctx context.Context, channelID string) (bool, error)

	// TodayCount は当日の投稿実績を返す。カウンタ未生成の場合は0。
	TodayCount(ctx context.Context, channelID string) (int, error)
}

// AnalysisCacheRepository は解析結果キャッシュの永続化インターフェース。
type AnalysisCacheRepository interface {
	// Lookup はハッシュでキャッシュを検索する。
	// 未登録または期限切れの場合はnilを返す（期限切れは遅延無効化）。
	Lookup(ctx context.Context, hash string) (*model.AnalysisCacheEntry, error)

	// Store はキャッシュエントリをUPSERTする。
	// 同一ハッシュへの二重書き込みはアトミックな置き換えとなり、
	// 並行する読み取りを壊さない。
	Store(ctx context.Context, entry *model.AnalysisCacheEntry) error

	// DeleteExpired は期限切れエントリを削除し、削除件数を返す。
	// 正しさの要件ではなく最適化のための掃除。
	DeleteExpired(ctx context.Context) (int64, error)
}

// HistoryRepository はアップロード履歴の読み取りインターフェース。
// 履歴の書き込みはQueueRepository.MarkUploadedのトランザクション内で行われる。
type HistoryRepository interface {
	// ListByChannel は指定チャンネルの履歴を新しい順で返す。
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*model.HistoryRecord, error)

	// CountUploadedToday は当日の投稿件数を返す。
	CountUploadedToday(ctx context.Context) (int, error)

	// ChannelStats は指定チャンネルの投稿統計を返す。見つからない場合はnilを返す。
	ChannelStats(ctx context.Context, channelID string) (*ChannelStats, error)
}

// ChannelStats はチャンネルの投稿統計を表す。
type ChannelStats struct {
	ChannelName      string
	MaxDailyUploads  int
	TodayUploads     int
	RemainingUploads int
	TotalUploads     int
	UploadsLast7Days int
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
