package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	maxURLLength     = 8192
	maxRedirectHops  = 3
	maxResponseBytes = 1 << 20
)

var blockedCIDRs = mustParseCIDRs([]string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
})

// ValidateTarget rejects webhook URLs that are not plain http(s) or that
// resolve to private, loopback or link-local addresses.
func ValidateTarget(ctx context.Context, rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if len(rawURL) > maxURLLength {
		return nil, fmt.Errorf("url exceeds maximum length %d", maxURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("url credentials are not allowed")
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" || strings.Contains(host, "%") || !isASCII(host) {
		return nil, fmt.Errorf("invalid url host")
	}
	if port := u.Port(); port != "" {
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port")
		}
	}
	if _, err := resolveAllowed(ctx, host); err != nil {
		return nil, err
	}
	return u, nil
}

// restrictedClient pins every dial to a validated address and re-checks
// redirect targets.
func restrictedClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.ProxyConnectHeader = nil
	tr.GetProxyConnectHeader = nil
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		ip, err := resolveAllowed(ctx, host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirectHops {
				return fmt.Errorf("redirect limit exceeded (max %d)", maxRedirectHops)
			}
			_, err := ValidateTarget(req.Context(), req.URL.String())
			return err
		},
	}
}

func resolveAllowed(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if err := validateIP(ip); err != nil {
			return nil, err
		}
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns resolution failed: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dns resolution returned no records")
	}
	for _, a := range addrs {
		if err := validateIP(a.IP); err != nil {
			return nil, err
		}
	}
	return addrs[0].IP, nil
}

func validateIP(ip net.IP) error {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("destination ip is blocked")
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return fmt.Errorf("destination ip is blocked")
		}
	}
	return nil
}

func decodeJSONLimited(resp *http.Response, out any) error {
	lr := &io.LimitedReader{R: resp.Body, N: maxResponseBytes + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return err
	}
	if int64(len(b)) > maxResponseBytes {
		return fmt.Errorf("response exceeds maximum size %d bytes", maxResponseBytes)
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("unexpected content type %q", ct)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json payload: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("invalid json payload")
	}
	return nil
}

func mustParseCIDRs(values []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			panic(err)
		}
		out = append(out, cidr)
	}
	return out
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
