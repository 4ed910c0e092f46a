package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/uploadman/internal/model"
)

// PostgresQueueRepo はPostgreSQLを使用したアップロードキューリポジトリ。
type PostgresQueueRepo struct {
	db *sql.DB
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

const queueColumns = `id, video_file_path, video_file_name, file_size_mb, channel_id,
	        title, description, tags, product_url, status, priority, attempt_count,
	        scheduled_time, error_message, created_at, updated_at`

// scanQueueItem は1行分のキューアイテムを読み取る。
func scanQueueItem(scan func(dest ...any) error) (*model.QueueItem, error) {
	item := &model.QueueItem{}
	var fileSizeMB sql.NullFloat64
	var channelID, productURL, errorMessage sql.NullString
	var scheduledTime sql.NullTime
	var tags pq.StringArray

	if err := scan(
		&item.ID, &item.VideoFilePath, &item.VideoFileName, &fileSizeMB, &channelID,
		&item.Title, &item.Description, &tags, &productURL, &item.Status,
		&item.Priority, &item.AttemptCount, &scheduledTime, &errorMessage,
		&item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}

	item.FileSizeMB = fileSizeMB.Float64
	item.ChannelID = nullStringValue(channelID)
	item.ProductURL = nullStringValue(productURL)
	item.ErrorMessage = nullStringValue(errorMessage)
	item.Tags = []string(tags)
	if scheduledTime.Valid {
		t := scheduledTime.Time
		item.ScheduledTime = &t
	}

	return item, nil
}

// Create はキューアイテムを作成する。
func (r *PostgresQueueRepo) Create(ctx context.Context, item *model.QueueItem) error {
	var scheduledTime any
	if item.ScheduledTime != nil {
		scheduledTime = *item.ScheduledTime
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upload_queue (id, video_file_path, video_file_name, file_size_mb,
		                           channel_id, title, description, tags, product_url,
		                           status, priority, attempt_count, scheduled_time,
		                           error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		item.ID, item.VideoFilePath, item.VideoFileName, item.FileSizeMB,
		nullString(item.ChannelID), item.Title, item.Description,
		pq.Array(item.Tags), nullString(item.ProductURL),
		item.Status, item.Priority, item.AttemptCount, scheduledTime,
		nullString(item.ErrorMessage), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("キューアイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのキューアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresQueueRepo) FindByID(ctx context.Context, id string) (*model.QueueItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM upload_queue WHERE id = $1`, id)

	item, err := scanQueueItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キューアイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// List はキューアイテムの一覧を返す。statusとchannelIDは空文字で無条件。
func (r *PostgresQueueRepo) List(ctx context.Context, status model.QueueStatus, channelID string, limit int) ([]*model.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+`
		 FROM upload_queue
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '' OR channel_id = $2::uuid)
		 ORDER BY priority DESC, created_at DESC
		 LIMIT $3`,
		string(status), channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("キュー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("キュー一覧の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キュー一覧の走査に失敗しました: %w", err)
	}

	return items, nil
}

// ClaimNext は処理対象のキューアイテムを1件アトミックに確保する。
// FOR UPDATE SKIP LOCKEDのサブクエリで候補を選び、status = 'pending'を
// 前提条件とする単一UPDATEでprocessingへ遷移させる。
// このUPDATEが二重ディスパッチに対する唯一の同時実行ガードであり、
// 他のワーカーに先を越された場合は単に対象なしとして扱う。
func (r *PostgresQueueRepo) ClaimNext(ctx context.Context) (*model.QueueItem, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE upload_queue SET status = 'processing', updated_at = now()
		 WHERE id = (
		     SELECT id FROM upload_queue
		     WHERE status = 'pending'
		       AND (scheduled_time IS NULL OR scheduled_time <= now())
		     ORDER BY priority DESC, created_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 AND status = 'pending'
		 RETURNING `+queueColumns)

	item, err := scanQueueItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キューアイテムの確保に失敗しました: %w", err)
	}
	return item, nil
}

// conditionalUpdate は前提条件付きUPDATEを実行し、更新行が0件の場合は
// アイテムの存在を確認した上でErrConflictまたは未検出エラーを返す。
func (r *PostgresQueueRepo) conditionalUpdate(ctx context.Context, id string, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("キューアイテムの更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// 前提条件違反か、そもそも存在しないかを区別する
	var status model.QueueStatus
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM upload_queue WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return model.NewQueueItemNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("キューアイテムの状態確認に失敗しました: %w", err)
	}
	return fmt.Errorf("現在の状態 %s からは遷移できません: %w", status, model.ErrConflict)
}

// MarkReady はprocessingのアイテムにチャンネルとメタデータを確定しreadyに遷移させる。
func (r *PostgresQueueRepo) MarkReady(ctx context.Context, id, channelID string, md model.Metadata) error {
	return r.conditionalUpdate(ctx, id,
		`UPDATE upload_queue SET
		    status = 'ready', channel_id = $2, title = $3, description = $4,
		    tags = $5, error_message = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, channelID, md.Title, md.Description, pq.Array(md.Tags),
	)
}

// MarkUploaded はreadyのアイテムをuploadedに遷移させ、
// 同一トランザクションで履歴レコードを書き込む。
// 状態遷移の前提条件が満たされない場合はロールバックしてErrConflictを返す。
func (r *PostgresQueueRepo) MarkUploaded(ctx context.Context, id string, rec *model.HistoryRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE upload_queue SET
		    status = 'uploaded', error_message = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'ready'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("アップロード完了への遷移に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("アイテムはready状態ではありません: %w", model.ErrConflict)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO upload_history (id, queue_id, channel_id, video_file_name,
		                             upload_time, publish_ref_id, publish_ref_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		rec.ID, rec.QueueID, nullString(rec.ChannelID), rec.VideoFileName,
		rec.UploadTime, nullString(rec.PublishRefID), nullString(rec.PublishRefURL),
	)
	if err != nil {
		return fmt.Errorf("履歴レコードの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// MarkFailed はアイテムをfailedに遷移させ、失敗理由を記録する。
func (r *PostgresQueueRepo) MarkFailed(ctx context.Context, id string, from model.QueueStatus, reason string) error {
	return r.conditionalUpdate(ctx, id,
		`UPDATE upload_queue SET
		    status = 'failed', error_message = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		id, string(from), reason,
	)
}

// Requeue はアイテムをpendingに戻す。
func (r *PostgresQueueRepo) Requeue(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
	increment := 0
	if incrementAttempt {
		increment = 1
	}
	return r.conditionalUpdate(ctx, id,
		`UPDATE upload_queue SET
		    status = 'pending', attempt_count = attempt_count + $3,
		    error_message = NULLIF($4, ''), updated_at = now()
		 WHERE id = $1 AND status = $2`,
		id, string(from), increment, reason,
	)
}

// UpdateScheduledTime はpendingのアイテムの予定時刻を設定する。
func (r *PostgresQueueRepo) UpdateScheduledTime(ctx context.Context, id string, scheduledTime time.Time) error {
	return r.conditionalUpdate(ctx, id,
		`UPDATE upload_queue SET scheduled_time = $2, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, scheduledTime,
	)
}

// DepthByStatus はステータスごとの件数と最古・最新の作成日時を返す。
func (r *PostgresQueueRepo) DepthByStatus(ctx context.Context) ([]model.QueueDepth, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM upload_queue
		 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("キュー統計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var depths []model.QueueDepth
	for rows.Next() {
		var d model.QueueDepth
		var oldest, newest sql.NullTime
		if err := rows.Scan(&d.Status, &d.Count, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("キュー統計の読み取りに失敗しました: %w", err)
		}
		if oldest.Valid {
			t := oldest.Time
			d.Oldest = &t
		}
		if newest.Valid {
			t := newest.Time
			d.Newest = &t
		}
		depths = append(depths, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キュー統計の走査に失敗しました: %w", err)
	}

	return depths, nil
}

// DeleteTerminalOlderThan は終端状態の古い行を削除する。
func (r *PostgresQueueRepo) DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	interval := fmt.Sprintf("%d seconds", int64(retention.Seconds()))
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM upload_queue
		 WHERE status IN ('uploaded', 'failed')
		   AND updated_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("終端アイテムの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
