// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// オペレーターが入力するURL（チャンネルURL、商品URL、パートナーURL）の保存前検証と、
// アナライザー/パブリッシャーへのアウトバウンドHTTPクライアントの生成に使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はURLの安全性を事前に検証する。
	// 危険なスキーム・ホスト・IPアドレスの場合はエラーを返す。
	ValidateURL(rawURL string) error
}

// deniedCIDRs はアウトバウンドを許可しないネットワーク範囲。
// プライベートIP (RFC 1918)、ループバック、リンクローカル
// （クラウドメタデータIP 169.254.169.254を含む）、カレントネットワーク、
// およびIPv6の同等範囲をカバーする。
var deniedCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR: %s: %v", cidr, err))
		}
		nets = append(nets, network)
	}
	return nets
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct{}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはDialerのControlフックでDNS解決後のIPアドレスを検証するため、
// ValidateURLの静的チェックでは防げないDNS再バインディング攻撃にも対応する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証のみを行い、チャンネル登録・キュー投入時に
// URLを保存する前のチェックとして使用する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLを解析できません: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("許可されていないスキームです: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("ホストが空です: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range deniedCIDRs {
			if network.Contains(ip) {
				return fmt.Errorf("ブロック対象のIPアドレスです: %s", ip)
			}
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("ブロック対象のホストです: %s", host)
	}

	return nil
}
