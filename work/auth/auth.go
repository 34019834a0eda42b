package auth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/ratelimit"
	"golang.org/x/crypto/blake2b"

	"mktv-gateway/work/logger"
	"mktv-gateway/work/metrics"
	"mktv-gateway/work/types"
)

var (
	// ErrMissingToken means the request carried no bearer token at all.
	ErrMissingToken = errors.New("missing access token")
	// ErrInvalidToken means the identity provider rejected the token.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrNotConfigured means no identity provider is configured.
	ErrNotConfigured = errors.New("identity provider not configured")
)

// StreamIDHeader carries the playback session id when the client can set
// custom headers. Media elements issuing segment requests cannot, hence the
// "sid" query fallback.
const StreamIDHeader = "X-MKTV-Stream-Id"

const cacheSize = 10_000

// Verifier authenticates bearer tokens against the identity provider and
// caches successful verifications for a bounded TTL. Only the token→identity
// mapping is cached, never any authorization decision, so approval changes
// take effect on the next request.
type Verifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *otter.Cache[string, types.Identity]
	limiter ratelimit.Limiter
	log     *logger.Logger
}

// verifyResult is the shape of the provider's "who is this token" response.
// A missing id is treated as an invalid token, never as an empty identity.
type verifyResult struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// NewVerifier builds a Verifier. baseURL and apiKey may be empty, in which
// case every Authenticate call fails with ErrNotConfigured.
func NewVerifier(baseURL, apiKey string, ttl time.Duration, callsPerSecond int, httpClient *http.Client, log *logger.Logger) *Verifier {
	return &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
		cache: otter.Must(&otter.Options[string, types.Identity]{
			MaximumSize:      cacheSize,
			ExpiryCalculator: otter.ExpiryWriting[string, types.Identity](ttl),
		}),
		limiter: ratelimit.New(callsPerSecond),
		log:     log,
	}
}

// Configured reports whether an identity provider is wired up.
func (v *Verifier) Configured() bool {
	return v.baseURL != "" && v.apiKey != ""
}

// Authenticate verifies a bearer token, consulting the TTL cache first. On a
// miss it calls the provider's user endpoint; a non-200 response or a body
// without a user id fails with ErrInvalidToken.
func (v *Verifier) Authenticate(ctx context.Context, token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, ErrMissingToken
	}
	if !v.Configured() {
		return types.Identity{}, ErrNotConfigured
	}

	key := cacheKey(token)
	if identity, ok := v.cache.GetIfPresent(key); ok {
		metrics.TokenCacheLookups.WithLabelValues("hit").Inc()
		return identity, nil
	}
	metrics.TokenCacheLookups.WithLabelValues("miss").Inc()

	identity, err := v.verify(ctx, token)
	if err != nil {
		return types.Identity{}, err
	}

	v.cache.Set(key, identity)
	return identity, nil
}

// verify performs the provider round trip for a cache miss.
func (v *Verifier) verify(ctx context.Context, token string) (types.Identity, error) {
	v.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return types.Identity{}, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("apikey", v.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return types.Identity{}, fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		v.log.Debug("token verification rejected with status %d", resp.StatusCode)
		return types.Identity{}, ErrInvalidToken
	}

	var result verifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.ID == "" {
		return types.Identity{}, ErrInvalidToken
	}

	return types.Identity{UserID: result.ID, Email: result.Email}, nil
}

// cacheKey hashes the raw token so bearer tokens are never held as map keys.
func cacheKey(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the "at" query parameter for media-element requests that
// cannot set headers.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(header[len("Bearer "):]); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("at")
}

// StreamIDFromRequest extracts the playback session id from the custom header
// or the "sid" query fallback.
func StreamIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(StreamIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("sid"))
}
