package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/uploadman/internal/model"
)

// PostgresChannelRepo はPostgreSQLを使用したチャンネルリポジトリ。
type PostgresChannelRepo struct {
	db *sql.DB
}

// NewPostgresChannelRepo はPostgresChannelRepoを生成する。
func NewPostgresChannelRepo(db *sql.DB) *PostgresChannelRepo {
	return &PostgresChannelRepo{db: db}
}

const channelColumns = `id, name, url, kind, parent_channel_id, category, description,
	        partner_url, max_daily_uploads, is_active, created_at, updated_at`

// scanChannel は1行分のチャンネルを読み取る。
func scanChannel(scan func(dest ...any) error) (*model.Channel, error) {
	ch := &model.Channel{}
	var parentID, description, partnerURL sql.NullString

	if err := scan(
		&ch.ID, &ch.Name, &ch.URL, &ch.Kind, &parentID, &ch.Category,
		&description, &partnerURL, &ch.MaxDailyUploads, &ch.IsActive,
		&ch.CreatedAt, &ch.UpdatedAt,
	); err != nil {
		return nil, err
	}

	ch.ParentChannelID = nullStringValue(parentID)
	ch.Description = nullStringValue(description)
	ch.PartnerURL = nullStringValue(partnerURL)

	return ch, nil
}

// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)

	ch, err := scanChannel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}
	return ch, nil
}

// Create はチャンネルを作成する。
func (r *PostgresChannelRepo) Create(ctx context.Context, channel *model.Channel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (id, name, url, kind, parent_channel_id, category,
		                       description, partner_url, max_daily_uploads, is_active,
		                       created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		channel.ID, channel.Name, channel.URL, channel.Kind,
		nullString(channel.ParentChannelID), channel.Category,
		nullString(channel.Description), nullString(channel.PartnerURL),
		channel.MaxDailyUploads, channel.IsActive,
		channel.CreatedAt, channel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("チャンネルの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はチャンネル情報を更新する。
func (r *PostgresChannelRepo) Update(ctx context.Context, channel *model.Channel) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE channels SET
		    name = $2, url = $3, kind = $4, parent_channel_id = $5,
		    category = $6, description = $7, partner_url = $8,
		    max_daily_uploads = $9, is_active = $10, updated_at = now()
		 WHERE id = $1`,
		channel.ID, channel.Name, channel.URL, channel.Kind,
		nullString(channel.ParentChannelID), channel.Category,
		nullString(channel.Description), nullString(channel.PartnerURL),
		channel.MaxDailyUploads, channel.IsActive,
	)
	if err != nil {
		return fmt.Errorf("チャンネルの更新に失敗しました: %w", err)
	}
	return nil
}

// List は全チャンネル（非アクティブ含む）を名前順で返す。
func (r *PostgresChannelRepo) List(ctx context.Context) ([]*model.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("チャンネル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("チャンネル一覧の読み取りに失敗しました: %w", err)
		}
		channels = append(channels, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チャンネル一覧の走査に失敗しました: %w", err)
	}

	return channels, nil
}

// ListActiveWithUsage はアクティブな全チャンネルを当日の投稿実績付きで返す。
// クォータ台帳をLEFT JOINしてスナップショットを構成する。
// ランキングはマッチャー側で行うため、ここでの並び順は保証しない。
func (r *PostgresChannelRepo) ListActiveWithUsage(ctx context.Context) ([]model.ChannelWithUsage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.url, c.kind, c.parent_channel_id, c.category,
		        c.description, c.partner_url, c.max_daily_uploads, c.is_active,
		        c.created_at, c.updated_at,
		        COALESCE(l.upload_count, 0) AS today_uploads
		 FROM channels c
		 LEFT JOIN channel_upload_limits l
		   ON c.id = l.channel_id AND l.upload_date = CURRENT_DATE
		 WHERE c.is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("アクティブチャンネルの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var channels []model.ChannelWithUsage
	for rows.Next() {
		var cu model.ChannelWithUsage
		var parentID, description, partnerURL sql.NullString

		if err := rows.Scan(
			&cu.ID, &cu.Name, &cu.URL, &cu.Kind, &parentID, &cu.Category,
			&description, &partnerURL, &cu.MaxDailyUploads, &cu.IsActive,
			&cu.CreatedAt, &cu.UpdatedAt, &cu.TodayUploads,
		); err != nil {
			return nil, fmt.Errorf("アクティブチャンネルの読み取りに失敗しました: %w", err)
		}

		cu.ParentChannelID = nullStringValue(parentID)
		cu.Description = nullStringValue(description)
		cu.PartnerURL = nullStringValue(partnerURL)

		channels = append(channels, cu)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アクティブチャンネルの走査に失敗しました: %w", err)
	}

	return channels, nil
}
