// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MetadataSanitizerService は生成された投稿メタデータ（タイトル・説明文・タグ)を
// サニタイズする。メタデータは外部アナライザーの出力から組み立てられるため、
// HTMLタグやスクリプト片が混入している可能性がある。
// bluemondayのStrictPolicyで全てのタグを除去し、プレーンテキストのみを保存する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MetadataSanitizerService は投稿メタデータのサニタイズ機能のインターフェースを定義する。
type MetadataSanitizerService interface {
	// SanitizeText はテキストから全てのHTMLタグを除去したプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string

	// SanitizeTags はタグ配列の各要素をサニタイズし、空になった要素を除去する。
	SanitizeTags(raw []string) []string
}

// metadataSanitizer はMetadataSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type metadataSanitizer struct {
	policy *bluemonday.Policy
}

// NewMetadataSanitizer はMetadataSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicy（全タグ除去）を使用する。投稿先プラットフォームのメタデータ欄は
// プレーンテキストであり、装飾タグを通す理由がない。
func NewMetadataSanitizer() *metadataSanitizer {
	return &metadataSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はテキストから全てのHTMLタグを除去したプレーンテキストを返す。
func (s *metadataSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// SanitizeTags はタグ配列の各要素をサニタイズし、空になった要素を除去する。
func (s *metadataSanitizer) SanitizeTags(raw []string) []string {
	var out []string
	for _, tag := range raw {
		cleaned := s.SanitizeText(tag)
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}
