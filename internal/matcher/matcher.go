// Package matcher はチャンネルマッチングのランキングを提供する。
// マッチャーはスナップショット上の純粋関数であり、同じ入力からは
// 常に同じ順序の候補リストを返す。実際の枠確保はアトミックな
// インクリメントが行うため、ランキングの多少の古さは許容される。
package matcher

import (
	"sort"

	"github.com/hitoshi/uploadman/internal/model"
)

// Matcher はカテゴリに基づくチャンネル候補の選定を行う。
type Matcher struct {
	defaultCategory string // 空の場合はフォールバック無効
}

// New はMatcher の新しいインスタンスを生成する。
func New(defaultCategory string) *Matcher {
	return &Matcher{defaultCategory: defaultCategory}
}

// Candidates はカテゴリに合致するアクティブなチャンネルをランキング順で返す。
// カテゴリに合致するチャンネルが1つもない場合はデフォルトカテゴリに
// フォールバックする。フォールバックが無効（デフォルトカテゴリが空）または
// フォールバック先にも候補がない場合は空リストを返す。
//
// ランキング順:
//  1. 当日の残り投稿可能数が多い順
//  2. primaryチャンネルをsecondaryより先に
//  3. チャンネルIDの昇順（最終タイブレーク）
func (m *Matcher) Candidates(channels []model.ChannelWithUsage, category string) []model.ChannelWithUsage {
	candidates := filterByCategory(channels, category)
	if len(candidates) == 0 && m.defaultCategory != "" && m.defaultCategory != category {
		candidates = filterByCategory(channels, m.defaultCategory)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].RemainingUploads(), candidates[j].RemainingUploads()
		if ri != rj {
			return ri > rj
		}
		ki, kj := kindRank(candidates[i].Kind), kindRank(candidates[j].Kind)
		if ki != kj {
			return ki < kj
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates
}

// filterByCategory はアクティブかつ指定カテゴリのチャンネルのみを抽出する。
func filterByCategory(channels []model.ChannelWithUsage, category string) []model.ChannelWithUsage {
	var filtered []model.ChannelWithUsage
	for _, ch := range channels {
		if ch.IsActive && ch.Category == category {
			filtered = append(filtered, ch)
		}
	}
	return filtered
}

// kindRank はチャンネル種別のランキング値を返す。小さいほど優先。
func kindRank(kind model.ChannelKind) int {
	if kind == model.ChannelKindPrimary {
		return 0
	}
	return 1
}
