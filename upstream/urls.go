package upstream

import (
	"fmt"
	"strings"

	kitchencache "github.com/mixmoji/kitchen-cache"
)

const (
	// DefaultCDNBase is the default Emoji Kitchen CDN host.
	DefaultCDNBase = "https://www.gstatic.cn"

	// DefaultGitHubProxy is the default proxy prefix for raw.githubusercontent
	// metadata fetches. Empty means direct.
	DefaultGitHubProxy = "https://ghfast.top"

	// metadataRawBase is where per-emoji combination metadata lives.
	metadataRawBase = "https://raw.githubusercontent.com/xsalazar/emoji-kitchen-backend/main/emoji/data"
)

// ResolveCDNBase maps a configured CDN source preset to a base URL.
// Known presets are "www.gstatic.cn" and "www.gstatic.com"; the "custom"
// preset uses the custom URL. An empty or unrecognized source falls back to
// the custom URL if set (legacy configs carried only the URL field), else
// the default.
func ResolveCDNBase(source, custom string) string {
	custom = strings.TrimRight(strings.TrimSpace(custom), "/")
	switch {
	case strings.HasPrefix(source, "www.gstatic.cn"):
		return "https://www.gstatic.cn"
	case strings.HasPrefix(source, "www.gstatic.com"):
		return "https://www.gstatic.com"
	case source == "custom":
		if custom != "" {
			return custom
		}
	case source == "":
		if custom != "" {
			return custom
		}
	}
	return DefaultCDNBase
}

// ResolveGitHubProxy maps a configured proxy source preset to a proxy base
// URL. "direct" disables the proxy; "custom" uses the custom URL. An empty
// or unrecognized source falls back to the custom URL if set, else the
// default proxy.
func ResolveGitHubProxy(source, custom string) string {
	custom = strings.TrimRight(strings.TrimSpace(custom), "/")
	switch {
	case strings.HasPrefix(source, "ghfast.top"):
		return "https://ghfast.top"
	case strings.HasPrefix(source, "gh-proxy.com"):
		return "https://gh-proxy.com"
	case source == "direct":
		return ""
	case source == "custom":
		if custom != "" {
			return custom
		}
	case source == "":
		if custom != "" {
			return custom
		}
	}
	return DefaultGitHubProxy
}

// ImageURLs builds the two directional CDN URLs for one (pair, date)
// combination. Both orderings are valid upstream and probed independently.
func (c *Client) ImageURLs(a, b kitchencache.Codepoint, date string) [2]string {
	segA := kitchencache.URLSegmentOf(a)
	segB := kitchencache.URLSegmentOf(b)
	return [2]string{
		fmt.Sprintf("%s/android/keyboard/emojikitchen/%s/%s/%s_%s.png", c.cdnBase, date, segA, segA, segB),
		fmt.Sprintf("%s/android/keyboard/emojikitchen/%s/%s/%s_%s.png", c.cdnBase, date, segB, segB, segA),
	}
}

// MetadataURL builds the URL of the per-anchor combination metadata
// document, routed through the configured proxy when one is set.
func (c *Client) MetadataURL(cp kitchencache.Codepoint) string {
	raw := fmt.Sprintf("%s/%s.json", c.metadataBase, cp)
	if c.githubProxy != "" {
		return c.githubProxy + "/" + raw
	}
	return raw
}
