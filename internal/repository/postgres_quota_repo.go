package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/uploadman/internal/model"
)

// PostgresQuotaRepo はPostgreSQLを使用したクォータ台帳リポジトリ。
// カウンタは（channel_id, upload_date）のUNIQUE制約で1日1行に保たれ、
// 当日最初の予約時に遅延生成される。
type PostgresQuotaRepo struct {
	db *sql.DB
}

// NewPostgresQuotaRepo はPostgresQuotaRepoを生成する。
func NewPostgresQuotaRepo(db *sql.DB) *PostgresQuotaRepo {
	return &PostgresQuotaRepo{db: db}
}

// Reserve は「上限未満なら+1」を単一の不可分なUPSERTとして実行する。
// ON CONFLICTのDO UPDATEにWHERE句で上限判定を付けることで、
// 複数ワーカーが同一チャンネルに同時に押し寄せても超過予約は起きない。
// アプリケーションレベルのロックは一切使わない。
func (r *PostgresQuotaRepo) Reserve(ctx context.Context, channelID string, limit int) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO channel_upload_limits (id, channel_id, upload_date, upload_count, last_upload_time)
		 VALUES ($1, $2, CURRENT_DATE, 1, now())
		 ON CONFLICT (channel_id, upload_date) DO UPDATE SET
		     upload_count = channel_upload_limits.upload_count + 1,
		     last_upload_time = now(),
		     updated_at = now()
		 WHERE channel_upload_limits.upload_count < $3
		 RETURNING upload_count`,
		uuid.New().String(), channelID, limit,
	).Scan(&count)

	if err == sql.ErrNoRows {
		// WHERE句が不成立: 当日の上限に到達済み
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("クォータの予約に失敗しました: %w", err)
	}

	// INSERT側（初回予約）が上限0のチャンネルで成立してしまうことはない
	// （max_daily_uploadsは正の整数制約）。countは常に1以上。
	if count > limit {
		// 到達しないはずの分岐。ストア側の制約が壊れている場合のみ。
		return false, fmt.Errorf("クォータカウンタが上限を超過しています: count=%d limit=%d", count, limit)
	}

	return true, nil
}

// Release は当日のカウンタを1つ返却する。
// upload_count > 0 の場合のみ成立する条件付きUPDATEで、二重返却を防ぐ。
// 投稿失敗時の枠返却ポリシー（デフォルト無効）からのみ呼ばれる。
func (r *PostgresQuotaRepo) Release(ctx context.Context, channelID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE channel_upload_limits SET
		    upload_count = upload_count - 1, updated_at = now()
		 WHERE channel_id = $1 AND upload_date = CURRENT_DATE AND upload_count > 0`,
		channelID,
	)
	if err != nil {
		return false, fmt.Errorf("クォータの返却に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// TodayCount は当日の投稿実績を返す。カウンタ未生成の場合は0。
func (r *PostgresQuotaRepo) TodayCount(ctx context.Context, channelID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT upload_count FROM channel_upload_limits
		 WHERE channel_id = $1 AND upload_date = CURRENT_DATE`,
		channelID,
	).Scan(&count)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("当日投稿数の取得に失敗しました: %w", err)
	}
	return count, nil
}

var _ QuotaRepository = (*PostgresQuotaRepo)(nil)

// counterFromRow は台帳1行をモデルへ変換する（統計表示用）。
func counterFromRow(row *sql.Row) (*model.QuotaCounter, error) {
	c := &model.QuotaCounter{}
	var lastUpload sql.NullTime
	if err := row.Scan(&c.ID, &c.ChannelID, &c.UploadDate, &c.UploadCount,
		&lastUpload, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if lastUpload.Valid {
		c.LastUploadTime = lastUpload.Time
	}
	return c, nil
}

// FindToday は当日のカウンタ行を返す。未生成の場合はnil。
func (r *PostgresQuotaRepo) FindToday(ctx context.Context, channelID string) (*model.QuotaCounter, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, channel_id, upload_date, upload_count, last_upload_time,
		        created_at, updated_at
		 FROM channel_upload_limits
		 WHERE channel_id = $1 AND upload_date = CURRENT_DATE`,
		channelID,
	)
	c, err := counterFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("クォータカウンタの取得に失敗しました: %w", err)
	}
	return c, nil
}
