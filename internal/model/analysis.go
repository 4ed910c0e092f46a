package model

import "time"

// AnalysisResult は外部アナライザーによる動画解析の構造化結果を表す。
type AnalysisResult struct {
	Category    string
	ContentType string
	Keywords    []string
	Products    []string
	Confidence  float64
}

// AnalysisCacheEntry はコンテンツハッシュをキーとする解析結果キャッシュの1件。
// expires_atを過ぎたエントリはルックアップ時にミスとして扱う。
type AnalysisCacheEntry struct {
	ID            string
	VideoFileHash string
	VideoFileName string
	Result        AnalysisResult
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// IsExpired はエントリが指定時刻の時点で期限切れかどうかを返す。
func (e *AnalysisCacheEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
