package proxy

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

// RewriteContext is the per-request state threaded through manifest rewriting
// so regenerated URIs carry the caller's session and auth back through the
// gateway.
type RewriteContext struct {
	StreamID    string
	BearerToken string
}

// uriAttrRegex matches the quoted URI attribute of manifest directives such
// as #EXT-X-KEY and #EXT-X-MEDIA, which reference auxiliary resources.
var uriAttrRegex = regexp.MustCompile(`URI="([^"]+)"`)

// RewriteManifest rewrites every reference in an HLS manifest into a
// same-origin proxy URL. Non-comment lines are resolved against the
// manifest's own final location and replaced wholesale; comment lines
// carrying a quoted URI attribute get only that URI rewritten in place; all
// other comment lines pass through verbatim. Lines that fail to resolve are
// left untouched rather than dropped.
func RewriteManifest(manifest string, base *url.URL, rctx RewriteContext) string {
	lines := strings.Split(strings.ReplaceAll(manifest, "\r\n", "\n"), "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			if strings.Contains(trimmed, `URI="`) {
				lines[i] = uriAttrRegex.ReplaceAllStringFunc(line, func(match string) string {
					uri := match[len(`URI="`) : len(match)-1]
					absolute := resolveReference(uri, base)
					if absolute == "" {
						return match
					}
					return `URI="` + BuildProxyURL(absolute, rctx) + `"`
				})
			}
			continue
		}

		if absolute := resolveReference(trimmed, base); absolute != "" {
			lines[i] = BuildProxyURL(absolute, rctx)
		}
	}

	return strings.Join(lines, "\n")
}

// BuildProxyURL produces the same-origin proxy address for an absolute
// upstream URL, re-attaching the session id and bearer token so segment
// requests re-enter the gateway fully identified.
func BuildProxyURL(absolute string, rctx RewriteContext) string {
	params := url.Values{}
	params.Set("url", absolute)
	if rctx.StreamID != "" {
		params.Set("sid", rctx.StreamID)
	}
	if rctx.BearerToken != "" {
		params.Set("at", rctx.BearerToken)
	}
	return "/api/proxy?" + params.Encode()
}

// resolveReference turns a manifest reference (relative path, absolute URL or
// scheme-relative //host form) into an absolute URL against the manifest's
// final location. Returns "" when the reference cannot be parsed.
func resolveReference(ref string, base *url.URL) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}
