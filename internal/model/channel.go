// Package model はドメインモデルを定義する。
package model

import "time"

// ChannelKind はチャンネルの種別（メイン/サブ）を表す。
type ChannelKind string

const (
	// ChannelKindPrimary はメインチャンネル。
	ChannelKindPrimary ChannelKind = "primary"
	// ChannelKindSecondary はサブチャンネル。親チャンネルを参照できる。
	ChannelKindSecondary ChannelKind = "secondary"
)

// Channel は投稿先チャンネルを表す。
// 登録・編集は管理APIから行われ、スケジューラは読み取りのみを行う。
type Channel struct {
	ID              string
	Name            string
	URL             string
	Kind            ChannelKind
	ParentChannelID string // secondaryのみ。参照先はprimaryであること（深さ1まで）
	Category        string
	Description     string
	PartnerURL      string
	MaxDailyUploads int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChannelWithUsage はチャンネルと当日の投稿実績を結合したスナップショット。
// マッチャーのランキング入力として使用する。
type ChannelWithUsage struct {
	Channel
	TodayUploads int
}

// RemainingUploads は当日の残り投稿可能数を返す。負にはならない。
func (c *ChannelWithUsage) RemainingUploads() int {
	remaining := c.MaxDailyUploads - c.TodayUploads
	if remaining < 0 {
		return 0
	}
	return remaining
}

// QuotaCounter は（チャンネル, 日付）ごとの投稿実績カウンタを表す。
// 当日最初の予約時に遅延生成され、デクリメントされない
//（日付が変わると新しいキーのカウンタが作られることで自然にリセットされる）。
type QuotaCounter struct {
	ID             string
	ChannelID      string
	UploadDate     time.Time
	UploadCount    int
	LastUploadTime time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
