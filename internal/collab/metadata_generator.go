package collab

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/security"
)

const (
	// maxTitleLength は投稿タイトルの最大文字数。
	maxTitleLength = 100
	// maxTags は投稿タグの最大個数。
	maxTags = 15
)

// categoryLabels はカテゴリ名の表示ラベル。未知のカテゴリはそのまま使う。
var categoryLabels = map[string]string{
	"tech":      "テック",
	"beauty":    "ビューティー",
	"fashion":   "ファッション",
	"food":      "グルメ",
	"gaming":    "ゲーム",
	"lifestyle": "ライフスタイル",
	"general":   "おすすめ",
}

// TemplateMetadataGenerator は解析結果から決定的に投稿メタデータを生成する。
// 同じ解析結果とファイル名からは常に同じメタデータが生成される。
// 解析結果由来のテキストはすべてサニタイズしてから使用する。
type TemplateMetadataGenerator struct {
	sanitizer security.MetadataSanitizerService
}

// NewTemplateMetadataGenerator はTemplateMetadataGenerator の新しいインスタンスを生成する。
func NewTemplateMetadataGenerator(sanitizer security.MetadataSanitizerService) *TemplateMetadataGenerator {
	return &TemplateMetadataGenerator{sanitizer: sanitizer}
}

// Generate は解析結果と元ファイル名から投稿メタデータを生成する。
// タイトルは先頭の商品名（なければファイル名のベース部分）とカテゴリラベルから組み立てる。
func (g *TemplateMetadataGenerator) Generate(analysis *model.AnalysisResult, fileName string) (*model.Metadata, error) {
	if analysis == nil {
		return nil, fmt.Errorf("解析結果がnilです")
	}

	subject := baseName(fileName)
	if len(analysis.Products) > 0 && analysis.Products[0] != "" {
		subject = analysis.Products[0]
	}
	subject = g.sanitizer.SanitizeText(subject)
	if subject == "" {
		return nil, fmt.Errorf("メタデータの主題を決定できません: file_name=%s", fileName)
	}

	label := categoryLabels[analysis.Category]
	if label == "" {
		label = g.sanitizer.SanitizeText(analysis.Category)
	}

	title := subject
	if label != "" {
		title = fmt.Sprintf("%s【%s】", subject, label)
	}
	title = truncateRunes(title, maxTitleLength)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%sの紹介動画です。\n", subject))
	if len(analysis.Products) > 0 {
		b.WriteString("\n紹介商品:\n")
		for _, p := range g.sanitizer.SanitizeTags(analysis.Products) {
			b.WriteString(fmt.Sprintf("- %s\n", p))
		}
	}
	if len(analysis.Keywords) > 0 {
		b.WriteString("\n関連キーワード: ")
		b.WriteString(strings.Join(g.sanitizer.SanitizeTags(analysis.Keywords), " / "))
		b.WriteString("\n")
	}

	tags := g.sanitizer.SanitizeTags(analysis.Keywords)
	if label != "" && !containsString(tags, label) {
		tags = append(tags, label)
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}

	return &model.Metadata{
		Title:       title,
		Description: b.String(),
		Tags:        tags,
	}, nil
}

// baseName はファイル名から拡張子を除いたベース部分を返す。
func baseName(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// truncateRunes は文字列を最大n文字（rune単位）に切り詰める。
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ MetadataGenerator = (*TemplateMetadataGenerator)(nil)
