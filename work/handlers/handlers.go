package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"mktv-gateway/work/access"
	"mktv-gateway/work/auth"
	"mktv-gateway/work/catalog"
	"mktv-gateway/work/config"
	"mktv-gateway/work/locks"
	"mktv-gateway/work/logger"
	"mktv-gateway/work/proxy"
	"mktv-gateway/work/utils"
)

const (
	defaultPageLimit = 200
	maxPageLimit     = 1000
	maxPageOffset    = 1 << 30
)

// App bundles the gateway's injectable state for the request handlers. Tests
// construct isolated instances per case; nothing here is process-global.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Catalog *catalog.Catalog
	Gate    *access.Gate
	Locks   *locks.Manager
	Proxy   *proxy.Proxy
}

// HandleChannels serves the paginated, filtered catalog. Approved accounts only.
func HandleChannels(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := app.Gate.RequireApproved(r.Context(), auth.TokenFromRequest(r)); err != nil {
			respondError(w, err)
			return
		}

		query := r.URL.Query()
		page := app.Catalog.Filter(
			query.Get("q"),
			query.Get("group"),
			utils.ClampInt(query.Get("offset"), 0, 0, maxPageOffset),
			utils.ClampInt(query.Get("limit"), defaultPageLimit, 1, maxPageLimit),
		)
		writeJSON(w, http.StatusOK, page)
	}
}

// HandleGroups serves the derived group aggregates. Approved accounts only.
func HandleGroups(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := app.Gate.RequireApproved(r.Context(), auth.TokenFromRequest(r)); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"groups": app.Catalog.Groups()})
	}
}

// HandlePublicConfig hands browsers what they need to open their own session
// with the identity provider. Open endpoint, public values only.
func HandlePublicConfig(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"supabaseUrl":     app.Config.SupabaseURL,
			"supabaseAnonKey": app.Config.SupabaseAnonKey,
		})
	}
}

// HandleAccessStatus reports the caller's approval state. Identity only; this
// is what an unapproved client polls while waiting.
func HandleAccessStatus(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := app.Gate.Status(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// HandlePendingAccess lists emails awaiting approval. Admin only.
func HandlePendingAccess(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := app.Gate.ListPending(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			respondError(w, err)
			return
		}
		if pending == nil {
			pending = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"pending": pending})
	}
}

// HandleApproveAccess marks an email approved in the ledger. Admin only. The
// upsert is synchronous, so the approved account passes the gate on its very
// next request.
func HandleApproveAccess(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
			writeError(w, http.StatusBadRequest, "Missing email")
			return
		}

		if err := app.Gate.Approve(r.Context(), auth.TokenFromRequest(r), body.Email); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HandleProxy is the streaming gateway endpoint: authorize, admit against the
// concurrency ceiling, then fetch/rewrite/stream the target resource.
func HandleProxy(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.URL.Query().Get("url")
		if _, err := proxy.ParseTarget(rawURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		streamID := auth.StreamIDFromRequest(r)
		if streamID == "" {
			writeError(w, http.StatusBadRequest, "Missing stream id")
			return
		}

		token := auth.TokenFromRequest(r)
		grant, err := app.Gate.RequireApproved(r.Context(), token)
		if err != nil {
			respondError(w, err)
			return
		}

		if err := app.Locks.Admit(grant.UserID, streamID); err != nil {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("Limite atteinte: %d flux actifs pour ce compte", app.Config.MaxStreamsPerUser))
			return
		}

		app.Proxy.Serve(w, r, rawURL, proxy.RewriteContext{
			StreamID:    streamID,
			BearerToken: token,
		})
	}
}

// HandleSessionRelease drops one of the caller's stream locks, or all of them
// when no stream id is given (the client's recovery path after a conflict).
func HandleSessionRelease(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grant, err := app.Gate.RequireApproved(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			respondError(w, err)
			return
		}

		var body struct {
			StreamID string `json:"streamId"`
		}
		// A malformed or empty body means "release everything".
		json.NewDecoder(r.Body).Decode(&body)

		streamID := body.StreamID
		if streamID == "" {
			streamID = auth.StreamIDFromRequest(r)
		}
		app.Locks.Release(grant.UserID, streamID)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HandleHealth is the container liveness probe.
func HandleHealth(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":       true,
			"channels": app.Catalog.Len(),
			"groups":   len(app.Catalog.Groups()),
		})
	}
}

// respondError maps gate, auth and lock errors onto the HTTP contract:
// 401 missing/invalid token, 403 not approved or not admin (with a pending
// flag so clients can tell "wait" from "denied"), 409 ceiling, 503
// unconfigured backends, 502 for ledger/provider failures.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, access.ErrPendingApproval):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   err.Error(),
			"pending": true,
		})
	case errors.Is(err, access.ErrNotAdmin):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrNotConfigured), errors.Is(err, access.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, locks.ErrTooManyStreams):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
