package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はレプリケーション先として許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は厳格モードで拒否するネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（メタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// EgressGuard はレプリケーションフィードへの接続先を検証し、HTTPクライアントを生成する。
// 厳格モードではベースURLのスキーム、ホスト、ポート以外への接続をsafeurlで拒否し、
// プライベートアドレスへの接続も遮断する。
type EgressGuard struct {
	strict bool
}

// NewEgressGuard はEgressGuardの新しいインスタンスを生成する。
func NewEgressGuard(strict bool) *EgressGuard {
	return &EgressGuard{strict: strict}
}

// Strict は厳格モードかどうかを返す。
func (g *EgressGuard) Strict() bool {
	return g.strict
}

// ValidateBaseURL はレプリケーションのベースURLを解析して検証する。
// 厳格モードではIPアドレス直指定のプライベートアドレスとlocalhostを拒否する。
func (g *EgressGuard) ValidateBaseURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return nil, fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if _, err := portOf(parsed); err != nil {
		return nil, err
	}

	if !g.strict {
		return parsed, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return parsed, nil
	}
	if strings.EqualFold(host, "localhost") {
		return nil, fmt.Errorf("blocked host: %s", host)
	}

	return parsed, nil
}

// NewClient はベースURL向けのHTTPクライアントを生成する。
// timeoutはロングポーリングの待ち時間より長くすること。
//
// 厳格モードではsafeurlがnet.DialerのControlフックで解決後のIPアドレスも検証するため、
// DNS再バインディングでプライベートアドレスに誘導されることはない。
func (g *EgressGuard) NewClient(base *url.URL, timeout time.Duration) *http.Client {
	if !g.strict {
		return &http.Client{Timeout: timeout}
	}

	port, _ := portOf(base)
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(strings.ToLower(base.Scheme)).
		SetAllowedPorts(port).
		SetAllowedHosts(base.Hostname()).
		Build()

	return safeurl.Client(config).Client
}

// portOf はURLのポート番号を返す。省略時はスキームの既定ポート。
func portOf(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return 0, fmt.Errorf("invalid port: %s", p)
		}
		return port, nil
	}
	if strings.EqualFold(u.Scheme, "https") {
		return 443, nil
	}
	return 80, nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
