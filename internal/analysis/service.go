// Package analysis は動画解析結果の解決を提供する。
// コンテンツハッシュをキーとするキャッシュを優先し、ミス時のみ
// 外部アナライザーを呼び出す。キャッシュ書き込みの失敗は
// 解析自体を失敗させない（次回以降が再度ミスになるだけ）。
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/uploadman/internal/collab"
	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
)

// Service は解析結果の解決インターフェース。
type Service interface {
	// Resolve は動画ファイルの解析結果を返す。キャッシュヒット時は
	// 外部アナライザーを呼ばない。2番目の戻り値はキャッシュヒットかどうか。
	Resolve(ctx context.Context, filePath, fileName string) (*model.AnalysisResult, bool, error)
}

// service はService のキャッシュバック実装。
type service struct {
	cacheRepo repository.AnalysisCacheRepository
	analyzer  collab.Analyzer
	cacheTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はService の新しいインスタンスを生成する。
func NewService(cacheRepo repository.AnalysisCacheRepository, analyzer collab.Analyzer, cacheTTL time.Duration, logger *slog.Logger) Service {
	return &service{
		cacheRepo: cacheRepo,
		analyzer:  analyzer,
		cacheTTL:  cacheTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve は動画ファイルの解析結果を解決する。
// 手順: ハッシュ計算 → キャッシュ検索 → ミス時はアナライザー呼び出し → 結果をキャッシュ。
func (s *service) Resolve(ctx context.Context, filePath, fileName string) (*model.AnalysisResult, bool, error) {
	hash, err := HashFile(filePath)
	if err != nil {
		// ファイルが読めない場合は解析しようがない
		return nil, false, fmt.Errorf("%w: 動画ファイルのハッシュ計算に失敗しました: %w", model.ErrPermanent, err)
	}

	entry, err := s.cacheRepo.Lookup(ctx, hash)
	if err != nil {
		// キャッシュ検索の失敗はミスとして扱い、解析に進む
		s.logger.Warn("解析キャッシュの検索に失敗しました",
			slog.String("error", err.Error()),
			slog.String("video_file_hash", hash),
		)
	}
	if entry != nil {
		s.logger.Debug("解析キャッシュにヒットしました",
			slog.String("video_file_hash", hash),
			slog.String("category", entry.Result.Category),
		)
		result := entry.Result
		return &result, true, nil
	}

	result, err := s.analyzer.Analyze(ctx, filePath, fileName, hash)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	storeErr := s.cacheRepo.Store(ctx, &model.AnalysisCacheEntry{
		ID:            uuid.New().String(),
		VideoFileHash: hash,
		VideoFileName: fileName,
		Result:        *result,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cacheTTL),
	})
	if storeErr != nil {
		// キャッシュ書き込み失敗は解析結果の利用を妨げない
		s.logger.Warn("解析キャッシュの書き込みに失敗しました",
			slog.String("error", storeErr.Error()),
			slog.String("video_file_hash", hash),
		)
	}

	return result, false, nil
}

// HashFile はファイル内容のSHA-256ハッシュを16進文字列で返す。
// 大きなファイルでもメモリに載せずストリーミングで計算する。
func HashFile(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("ファイルのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("ファイルの読み取りに失敗しました: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
