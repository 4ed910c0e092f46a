package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/uploadman/internal/model"
)

// PostgresHistoryRepo はPostgreSQLを使用したアップロード履歴リポジトリ。
// 履歴の書き込みはMarkUploadedのトランザクション内で行われるため、ここは読み取り専用。
type PostgresHistoryRepo struct {
	db *sql.DB
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db *sql.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db}
}

// ListByChannel は指定チャンネルの履歴を新しい順で返す。
func (r *PostgresHistoryRepo) ListByChannel(ctx context.Context, channelID string, limit int) ([]*model.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_id, channel_id, video_file_name, upload_time,
		        publish_ref_id, publish_ref_url, views_count, likes_count,
		        comments_count, created_at
		 FROM upload_history
		 WHERE channel_id = $1
		 ORDER BY upload_time DESC
		 LIMIT $2`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("履歴一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.HistoryRecord
	for rows.Next() {
		rec := &model.HistoryRecord{}
		var queueID, chID, refID, refURL sql.NullString

		if err := rows.Scan(
			&rec.ID, &queueID, &chID, &rec.VideoFileName, &rec.UploadTime,
			&refID, &refURL, &rec.ViewsCount, &rec.LikesCount,
			&rec.CommentsCount, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("履歴一覧の読み取りに失敗しました: %w", err)
		}

		rec.QueueID = nullStringValue(queueID)
		rec.ChannelID = nullStringValue(chID)
		rec.PublishRefID = nullStringValue(refID)
		rec.PublishRefURL = nullStringValue(refURL)

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("履歴一覧の走査に失敗しました: %w", err)
	}

	return records, nil
}

// CountUploadedToday は当日の投稿件数を返す。
func (r *PostgresHistoryRepo) CountUploadedToday(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_history WHERE upload_time >= CURRENT_DATE`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("当日投稿件数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ChannelStats は指定チャンネルの投稿統計を返す。見つからない場合はnilを返す。
func (r *PostgresHistoryRepo) ChannelStats(ctx context.Context, channelID string) (*ChannelStats, error) {
	stats := &ChannelStats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT c.name, c.max_daily_uploads,
		        COALESCE(l.upload_count, 0) AS today_uploads,
		        GREATEST(c.max_daily_uploads - COALESCE(l.upload_count, 0), 0) AS remaining,
		        COUNT(DISTINCT h.id) AS total_uploads,
		        COUNT(DISTINCT CASE
		            WHEN h.upload_time > now() - INTERVAL '7 days' THEN h.id
		        END) AS uploads_last_7_days
		 FROM channels c
		 LEFT JOIN channel_upload_limits l
		   ON c.id = l.channel_id AND l.upload_date = CURRENT_DATE
		 LEFT JOIN upload_history h ON c.id = h.channel_id
		 WHERE c.id = $1
		 GROUP BY c.id, c.name, c.max_daily_uploads, l.upload_count`,
		channelID,
	).Scan(
		&stats.ChannelName, &stats.MaxDailyUploads, &stats.TodayUploads,
		&stats.RemainingUploads, &stats.TotalUploads, &stats.UploadsLast7Days,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネル統計の取得に失敗しました: %w", err)
	}
	return stats, nil
}

var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
