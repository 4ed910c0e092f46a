package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/uploadman/internal/model"
)

// PostgresAnalysisCacheRepo はPostgreSQLを使用した解析結果キャッシュリポジトリ。
type PostgresAnalysisCacheRepo struct {
	db *sql.DB
}

// NewPostgresAnalysisCacheRepo はPostgresAnalysisCacheRepoを生成する。
func NewPostgresAnalysisCacheRepo(db *sql.DB) *PostgresAnalysisCacheRepo {
	return &PostgresAnalysisCacheRepo{db: db}
}

// Lookup はハッシュでキャッシュを検索する。
// 期限切れエントリはSQLの条件で弾き、ミスとして扱う（遅延無効化）。
func (r *PostgresAnalysisCacheRepo) Lookup(ctx context.Context, hash string) (*model.AnalysisCacheEntry, error) {
	entry := &model.AnalysisCacheEntry{}
	var keywords, products pq.StringArray

	err := r.db.QueryRowContext(ctx,
		`SELECT id, video_file_hash, video_file_name, detected_category,
		        content_type, keywords, products, confidence_score,
		        created_at, expires_at
		 FROM video_analysis_cache
		 WHERE video_file_hash = $1 AND expires_at > now()`,
		hash,
	).Scan(
		&entry.ID, &entry.VideoFileHash, &entry.VideoFileName,
		&entry.Result.Category, &entry.Result.ContentType,
		&keywords, &products, &entry.Result.Confidence,
		&entry.CreatedAt, &entry.ExpiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("解析キャッシュの検索に失敗しました: %w", err)
	}

	entry.Result.Keywords = []string(keywords)
	entry.Result.Products = []string(products)

	return entry, nil
}

// Store はキャッシュエントリをUPSERTする。
// 同一ハッシュへの再書き込みは行全体のアトミックな置き換えになる。
func (r *PostgresAnalysisCacheRepo) Store(ctx context.Context, entry *model.AnalysisCacheEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO video_analysis_cache (id, video_file_hash, video_file_name,
		                                   detected_category, content_type, keywords,
		                                   products, confidence_score, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9)
		 ON CONFLICT (video_file_hash) DO UPDATE SET
		     video_file_name = EXCLUDED.video_file_name,
		     detected_category = EXCLUDED.detected_category,
		     content_type = EXCLUDED.content_type,
		     keywords = EXCLUDED.keywords,
		     products = EXCLUDED.products,
		     confidence_score = EXCLUDED.confidence_score,
		     expires_at = EXCLUDED.expires_at`,
		entry.ID, entry.VideoFileHash, entry.VideoFileName,
		entry.Result.Category, entry.Result.ContentType,
		pq.Array(entry.Result.Keywords), pq.Array(entry.Result.Products),
		entry.Result.Confidence, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("解析キャッシュの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れエントリを削除し、削除件数を返す。
func (r *PostgresAnalysisCacheRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM video_analysis_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("期限切れキャッシュの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
