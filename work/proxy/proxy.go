package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
	"go.uber.org/ratelimit"

	"mktv-gateway/work/client"
	"mktv-gateway/work/logger"
	"mktv-gateway/work/metrics"
	"mktv-gateway/work/utils"
)

var (
	// ErrBadTarget rejects syntactically broken or non-http(s) target URLs.
	ErrBadTarget = errors.New("invalid target URL")
	// ErrTooManyRedirects aborts an attempt whose redirect chain exceeds the bound.
	ErrTooManyRedirects = errors.New("too many redirects")
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	manifestSignature   = "#EXTM3U"
	maxManifestBytes    = 10 << 20
	previewBytes        = 240
)

// rejectionStatuses are upstream responses that usually mean the provider
// fingerprint-blocked the client rather than the resource being gone. They
// are worth retrying with the next header variant.
var rejectionStatuses = map[int]bool{
	http.StatusUnauthorized:    true,
	http.StatusForbidden:       true,
	http.StatusTooManyRequests: true,
}

// passthroughHeaders is the fixed allow-list forwarded on binary payloads.
var passthroughHeaders = []string{
	"Content-Type",
	"Accept-Ranges",
	"Content-Range",
	"Cache-Control",
	"Content-Length",
}

// Proxy fetches upstream resources on behalf of authorized requests, walks
// header variants on fingerprint rejections, rewrites manifests so every
// embedded reference comes back through the gateway, and streams binary
// payloads through unmodified. It keeps no state of its own.
type Proxy struct {
	client       *http.Client
	limiter      ratelimit.Limiter
	log          *logger.Logger
	maxRedirects int
	obfuscate    bool
	debug        bool
}

// New builds a Proxy around the shared upstream client.
func New(httpClient *http.Client, limiter ratelimit.Limiter, maxRedirects int, obfuscate, debug bool, log *logger.Logger) *Proxy {
	return &Proxy{
		client:       httpClient,
		limiter:      limiter,
		log:          log,
		maxRedirects: maxRedirects,
		obfuscate:    obfuscate,
		debug:        debug,
	}
}

// Serve proxies one target URL to the caller. The caller has already been
// authenticated, authorized and admitted; rctx carries what the rewritten
// manifest needs to send followup requests back through the gateway.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, rawURL string, rctx RewriteContext) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	rangeHeader := r.Header.Get("Range")
	variants := client.Variants(target)

	for attempt, variant := range variants {
		lastVariant := attempt == len(variants)-1

		resp, finalURL, err := p.fetchWithRedirects(ctx, target, variant, rangeHeader)
		if err != nil {
			if ctx.Err() != nil {
				// Client went away; nothing left to answer.
				return
			}
			if !lastVariant {
				metrics.UpstreamRetries.Inc()
				continue
			}
			writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Upstream request failed: %v", err))
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if !isManifestResponse(finalURL, contentType) {
			if rejectionStatuses[resp.StatusCode] && !lastVariant {
				drainAndClose(resp)
				metrics.UpstreamRetries.Inc()
				if p.debug {
					p.log.Debug("variant %s rejected with %d for %s, trying next",
						variant.Name, resp.StatusCode, utils.LogURL(p.obfuscate, finalURL.String()))
				}
				continue
			}
			p.streamBinary(w, resp)
			return
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
		drainAndClose(resp)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !lastVariant {
				metrics.UpstreamRetries.Inc()
				continue
			}
			writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Upstream request failed: %v", err))
			return
		}

		text := string(body)
		if strings.HasPrefix(strings.TrimSpace(text), manifestSignature) {
			p.serveManifest(w, resp.StatusCode, text, finalURL, rctx)
			return
		}

		// Success status with a non-manifest body, or an outright rejection
		// dressed as text. Retry on rejection codes, surface otherwise.
		if rejectionStatuses[resp.StatusCode] && !lastVariant {
			metrics.UpstreamRetries.Inc()
			if p.debug {
				p.log.Debug("variant %s got non-manifest body with %d for %s, trying next",
					variant.Name, resp.StatusCode, utils.LogURL(p.obfuscate, finalURL.String()))
			}
			continue
		}

		p.serveManifestFailure(w, resp.StatusCode, text, finalURL)
		return
	}
}

// ParseTarget validates the proxy target: well-formed, and one of the two
// supported network schemes.
func ParseTarget(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: missing url query param", ErrBadTarget)
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, ErrBadTarget
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported protocol", ErrBadTarget)
	}
	return target, nil
}

// fetchWithRedirects fetches the target, following redirects up to the bound
// while re-applying the same header variant and Range on every hop. The
// response body is open on return; the caller owns closing it.
func (p *Proxy) fetchWithRedirects(ctx context.Context, target *url.URL, variant client.HeaderVariant, rangeHeader string) (*http.Response, *url.URL, error) {
	metrics.UpstreamAttempts.WithLabelValues(variant.Name).Inc()

	current := target
	for hop := 0; hop <= p.maxRedirects; hop++ {
		p.limiter.Take()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, nil, err
		}
		variant.Apply(req, rangeHeader)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, nil, err
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := resp.Header.Get("Location")
			if location == "" {
				return resp, current, nil
			}
			drainAndClose(resp)
			next, err := url.Parse(location)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid redirect location: %w", err)
			}
			current = current.ResolveReference(next)
		default:
			return resp, current, nil
		}
	}

	return nil, nil, ErrTooManyRedirects
}

// streamBinary forwards the upstream payload unmodified: status code, the
// fixed passthrough header allow-list, then the body until EOF or client
// disconnect. Flushing after every chunk keeps live TS segments moving
// instead of sitting in the response buffer.
func (p *Proxy) streamBinary(w http.ResponseWriter, resp *http.Response) {
	defer drainAndClose(resp)

	for _, name := range passthroughHeaders {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	metrics.ProxiedPayloads.WithLabelValues("media").Inc()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// serveManifest rewrites and returns a validated manifest. Manifests are
// never cacheable: segment addresses and the embedded auth rotate on every
// request.
func (p *Proxy) serveManifest(w http.ResponseWriter, status int, text string, finalURL *url.URL, rctx RewriteContext) {
	metrics.ProxiedPayloads.WithLabelValues(manifestKind(text)).Inc()

	rewritten := RewriteManifest(text, finalURL, rctx)

	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(status)
	io.WriteString(w, rewritten)
}

// serveManifestFailure surfaces an exhausted manifest attempt. An error
// status passes through; a success status that failed manifest validation is
// the upstream breaking its own contract, reported as a gateway error with a
// short body preview for diagnosis.
func (p *Proxy) serveManifestFailure(w http.ResponseWriter, upstreamStatus int, text string, finalURL *url.URL) {
	status := http.StatusBadGateway
	message := "Upstream did not return a valid HLS manifest"
	if upstreamStatus >= 400 {
		status = upstreamStatus
		message = fmt.Sprintf("Upstream rejected manifest request (%d)", upstreamStatus)
	}

	preview := text
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"preview": preview,
		"source":  utils.LogURL(p.obfuscate, finalURL.String()),
	})
}

// isManifestResponse classifies the final response: manifest when the
// resolved path carries the manifest extension or the content type names the
// playlist media type, binary otherwise.
func isManifestResponse(finalURL *url.URL, contentType string) bool {
	if strings.HasSuffix(strings.ToLower(finalURL.Path), ".m3u8") {
		return true
	}
	contentType = strings.ToLower(contentType)
	return strings.Contains(contentType, "application/vnd.apple.mpegurl") ||
		strings.Contains(contentType, "application/x-mpegurl")
}

// manifestKind labels a validated manifest as master or media for metrics.
func manifestKind(text string) string {
	_, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(text)), true)
	if err != nil {
		return "manifest"
	}
	switch listType {
	case m3u8.MASTER:
		return "manifest-master"
	case m3u8.MEDIA:
		return "manifest-media"
	}
	return "manifest"
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
