// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EndpointGuard はOAuthプロバイダーへの外向き通信を保護する。
// トークン・ユーザー情報エンドポイントは設定で上書きできるため、
// 内部ネットワークやメタデータIPに向けられることを防ぐ。
type EndpointGuard interface {
	// NewHTTPClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlがDNS解決後のIPアドレスをDialerで検証するため、
	// DNS再バインディングにも対応する。
	NewHTTPClient(timeout time.Duration) *http.Client

	// ValidateEndpoint は設定されたエンドポイントURLを起動時に静的に検証する。
	ValidateEndpoint(rawURL string) error
}

// blockedPrefixes は外向き通信を禁止するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	// クラウドメタデータIP (169.254.169.254) を含む
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

type endpointGuard struct{}

// NewEndpointGuard はEndpointGuardを生成する。
func NewEndpointGuard() EndpointGuard {
	return endpointGuard{}
}

// NewHTTPClient はhttps:443のみに接続できるHTTPクライアントを返す。
func (endpointGuard) NewHTTPClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はURLがhttpsで、公開ホストを指していることを検証する。
// DNS解決を伴わないため、最終的な防御はNewHTTPClient側で行う。
func (endpointGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("endpoint must use https: %s", rawURL)
	}
	if u.User != nil {
		return fmt.Errorf("endpoint must not carry credentials")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return fmt.Errorf("blocked IP address: %s", addr)
			}
		}
	}
	return nil
}
