// Package collab は外部コラボレーター（アナライザー、メタデータ生成、
// パブリッシャー）のインターフェースとHTTPアダプタを提供する。
// 各呼び出しの結果は成功 / 一時的失敗 / 恒久的失敗の3値に分類され、
// エラーはmodel.ErrTransientまたはmodel.ErrPermanentでラップされる。
// テスト時はインターフェースをモックに差し替える。
package collab

import (
	"context"

	"github.com/hitoshi/uploadman/internal/model"
)

// Analyzer は動画解析のインターフェース。
// 呼び出しは数秒かかる可能性があり、失敗・レート制限はいずれも再試行可能として扱う。
type Analyzer interface {
	// Analyze は動画ファイルを解析し、構造化結果を返す。
	Analyze(ctx context.Context, filePath, fileName, fileHash string) (*model.AnalysisResult, error)
}

// MetadataGenerator は解析結果からの投稿メタデータ生成のインターフェース。
// 純粋で高速であることを前提とし、エラーは恒久的失敗として扱われる。
type MetadataGenerator interface {
	Generate(analysis *model.AnalysisResult, fileName string) (*model.Metadata, error)
}

// Publisher は外部プラットフォームへの投稿インターフェース。
// 冪等性は仮定できないため、ready→uploadedの1回の試行につき最大1回しか呼ばれない。
type Publisher interface {
	Publish(ctx context.Context, channel *model.Channel, filePath string, md *model.Metadata) (*model.PublishRef, error)
}

// CallResult はHTTPステータスコードに基づく外部呼び出し結果の分類。
type CallResult int

const (
	// CallResultOK は成功（2xx）。
	CallResultOK CallResult = iota
	// CallResultTransient は再試行可能な失敗（408/429/5xx）。
	CallResultTransient
	// CallResultPermanent は再試行しても回復しない失敗（その他の4xx）。
	CallResultPermanent
)

// ClassifyHTTPStatus はHTTPステータスコードを呼び出し結果に分類する。
func ClassifyHTTPStatus(statusCode int) CallResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return CallResultOK
	case statusCode == 408 || statusCode == 429:
		return CallResultTransient
	case statusCode >= 500:
		return CallResultTransient
	default:
		return CallResultPermanent
	}
}
