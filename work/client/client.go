package client

import (
	"net/http"
	"net/url"
	"time"
)

// NewUpstreamClient builds the shared client for upstream media fetches.
// There is no overall timeout: segment bodies stream for as long as the
// player keeps reading. The response header timeout is the effective
// per-attempt bound, and redirects are handled manually by the proxy so the
// chosen header variant survives every hop.
func NewUpstreamClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: headerTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewAPIClient builds the client for identity provider and ledger calls,
// which are small JSON exchanges with a hard deadline.
func NewAPIClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// HeaderVariant is one outbound header combination shaped to resemble a
// specific class of media client. Upstream providers fingerprint-block some
// clients, so the proxy walks these in order until one is accepted.
type HeaderVariant struct {
	Name    string
	Headers map[string]string
}

// Variants returns the ordered header variants for a target. The first mimics
// a streaming library (how most IPTV backends expect to be polled), the
// second a desktop browser, the third a dedicated media player.
func Variants(target *url.URL) []HeaderVariant {
	origin := target.Scheme + "://" + target.Host

	return []HeaderVariant{
		{
			Name: "lavf",
			Headers: map[string]string{
				"User-Agent":      "Lavf/57.83.100",
				"Accept":          "*/*",
				"Icy-MetaData":    "1",
				"Accept-Encoding": "identity",
				"Referer":         origin + "/",
				"Origin":          origin,
				"Connection":      "keep-alive",
			},
		},
		{
			Name: "browser",
			Headers: map[string]string{
				"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
				"Accept":          "application/vnd.apple.mpegurl,*/*",
				"Icy-MetaData":    "1",
				"Accept-Encoding": "identity",
				"Referer":         origin + "/",
				"Connection":      "keep-alive",
			},
		},
		{
			Name: "vlc",
			Headers: map[string]string{
				"User-Agent":      "VLC/3.0.20 LibVLC/3.0.20",
				"Accept":          "*/*",
				"Accept-Encoding": "identity",
				"Connection":      "keep-alive",
			},
		},
	}
}

// Apply sets the variant's headers plus an optional Range on the request.
func (v HeaderVariant) Apply(req *http.Request, rangeHeader string) {
	for key, value := range v.Headers {
		req.Header.Set(key, value)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
}
