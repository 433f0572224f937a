package widget

import (
	"net"
	"net/url"
	"strings"
)

// IsAllowed reports whether originHost may embed w.
//
// An empty allow-list admits every origin. Otherwise the host must equal an
// entry, or match a "*.suffix" entry: end in "."+suffix and contain more than
// one dot. The dot rule means "*.example.com" never admits "example.com".
// The suffix must start on a label boundary, so "evilexample.com" is refused
// too; bare suffix text matching is not enough.
func IsAllowed(w *Widget, originHost string) bool {
	if len(w.AllowedDomains) == 0 {
		return true
	}
	host := normalizeHost(originHost)
	if host == "" {
		return false
	}
	for _, entry := range w.AllowedDomains {
		pattern := normalizeHost(entry)
		if pattern == "" {
			continue
		}
		if host == pattern {
			return true
		}
		suffix, ok := strings.CutPrefix(pattern, "*.")
		if !ok || suffix == "" {
			continue
		}
		if strings.HasSuffix(host, "."+suffix) && strings.Count(host, ".") > 1 {
			return true
		}
	}
	return false
}

// OriginHost extracts the embedding host from an Origin header, falling back
// to Referer. It returns "" when neither carries a usable host.
func OriginHost(origin, referer string) string {
	for _, raw := range []string{origin, referer} {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "null" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		if h := normalizeHost(u.Host); h != "" {
			return h
		}
	}
	return ""
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}
