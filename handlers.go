package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	tparse "github.com/karrick/tparse/v2"
	"github.com/knadh/qrshare/internal/hub"
	"github.com/knadh/qrshare/internal/session"
	"github.com/knadh/qrshare/store"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	hasSession = 1 << iota
)

// Largest JSON body accepted by the HTTP API.
const maxJSONBody = 1 << 20

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app     *App
	session *session.Session
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

// qrConfig represents the "qr" configuration section.
type qrConfig struct {
	Size int `koanf:"size"`
}

type reqStartSession struct {
	// Lifetime in minutes.
	Duration float64 `json:"duration"`

	// Lifetime as a duration string, eg: 90s, 2h, 1d. Takes precedence over
	// Duration.
	TTL string `json:"ttl"`
}

type reqDeleteSession struct {
	ID string `json:"id"`
}

type respSession struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	QRData    string    `json:"qrData"`
}

type respDelete struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type qrData struct {
	WSURL     string `json:"wsUrl"`
	SessionID string `json:"sessionId"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// routes registers the HTTP handlers.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/start-session", wrap(handleStartSession, a, 0))
	r.Post("/delete-session", wrap(handleDeleteSession, a, 0))
	r.Delete("/sessions/{sessionID}", wrap(handleDeleteSession, a, 0))
	r.Get("/sessions/{sessionID}/qr.png", wrap(handleSessionQR, a, hasSession))
	r.Get("/files", wrap(handleFiles, a, 0))
	r.Get("/uploads/{name}", wrap(handleUploaded, a, 0))
	r.Get("/ws", wrap(handleWS, a, 0))
	r.Get("/health", wrap(handleHealth, a, 0))
	return r
}

// handleStartSession creates a new pairing session.
func handleStartSession(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	if app.sessionLimiter != nil && !app.sessionLimiter.Allow() {
		respondJSON(w, nil, errors.New(http.StatusText(http.StatusTooManyRequests)), http.StatusTooManyRequests)
		return
	}

	var req reqStartSession
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.Duration * float64(time.Minute))
	if req.TTL != "" {
		d, err := tparse.AbsoluteDuration(time.Now(), req.TTL)
		if err != nil {
			respondJSON(w, nil, errors.New("invalid ttl"), http.StatusBadRequest)
			return
		}
		ttl = d
	}
	if ttl < 0 {
		respondJSON(w, nil, errors.New("invalid session duration"), http.StatusBadRequest)
		return
	}

	sess := app.coord.CreateSession(ttl)
	b, err := json.Marshal(qrData{WSURL: app.wsURL(r), SessionID: sess.ID})
	if err != nil {
		respondJSON(w, nil, err, http.StatusInternalServerError)
		return
	}

	respondJSON(w, respSession{
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
		QRData:    string(b),
	}, nil, http.StatusOK)
}

// handleDeleteSession ends a session. The ID comes from the URL or the
// JSON body.
func handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
		id  = chi.URLParam(r, "sessionID")
	)

	if id == "" {
		var req reqDeleteSession
		if err := readJSONReq(r, &req); err != nil {
			respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
			return
		}
		id = req.ID
	}

	if id == "" || !app.coord.DeleteSession(id) {
		msg := "Invalid session ID"
		respondJSON(w, respDelete{Message: msg}, errors.New(msg), http.StatusBadRequest)
		return
	}
	respondJSON(w, respDelete{Success: true, Message: "Session deleted"}, nil, http.StatusOK)
}

// handleFiles lists every stored file.
func handleFiles(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	files, err := app.coord.ListFiles()
	if err != nil {
		app.logger.Error().Err(err).Msg("error listing files")
		respondJSON(w, nil, errors.New("error listing files"), http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []string{}
	}
	respondJSON(w, files, nil, http.StatusOK)
}

// handleUploaded serves a stored file.
func handleUploaded(w http.ResponseWriter, r *http.Request) {
	var (
		app  = r.Context().Value(ctxKey{}).(*reqCtx).app
		name = chi.URLParam(r, "name")
	)

	b, err := app.coord.ReadFile(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidName) {
			respondJSON(w, nil, errors.New("file not found"), http.StatusNotFound)
			return
		}
		app.logger.Error().Err(err).Str("file", name).Msg("error reading file")
		respondJSON(w, nil, errors.New("error reading file"), http.StatusInternalServerError)
		return
	}

	mimeType := http.DetectContentType(b)
	w.Header().Add("Content-Type", mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"), strings.HasPrefix(mimeType, "application/pdf"):
	default:
		w.Header().Add("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Header().Add("Content-Transfer-Encoding", "binary")
	}
	w.Header().Add("Content-Length", fmt.Sprint(len(b)))
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// handleSessionQR renders the pairing QR code of a session as a PNG.
func handleSessionQR(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)
	if ctx.session == nil {
		respondJSON(w, nil, errors.New("session not found"), http.StatusNotFound)
		return
	}

	b, err := json.Marshal(qrData{WSURL: app.wsURL(r), SessionID: ctx.session.ID})
	if err != nil {
		respondJSON(w, nil, err, http.StatusInternalServerError)
		return
	}

	size := app.qrConfig.Size
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(string(b), qrcode.Medium, size)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Add("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// handleWS handles incoming connections.
func handleWS(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// The peer is bound to a session by its first message. Serve blocks
	// until the connection goes away.
	app.coord.Serve(hub.NewPeer(ws, app.wsCfg, app.logger))
}

// handleHealth reports liveness and the number of active sessions.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app
	respondJSON(w, struct {
		Sessions    int `json:"sessions"`
		Connections int `json:"connections"`
	}{app.reg.Len(), app.hub.Connections()}, nil, http.StatusOK)
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Error().Err(err).Msg("error marshalling JSON response")
		return
	}
	w.Write(b)
}

// wrap is a middleware that attaches the app and, for routes that carry a
// session ID, the session to the request context.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// If the session's not found or has expired, req.session is nil in
		// the target handler. It's the handler's responsibility to respond
		// with an error.
		if opts&hasSession != 0 {
			id := chi.URLParam(r, "sessionID")
			if s, ok := app.reg.Get(id); ok && app.reg.Alive(id) {
				req.session = &s
			}
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to the
// given target. An empty body leaves the target untouched.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := ioutil.ReadAll(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, o)
}

// wsURL returns the websocket endpoint peers should dial. It's derived from
// app.root_url if set, or else from the request's host.
func (a *App) wsURL(r *http.Request) string {
	host := a.cfg.RootURL
	if host == "" {
		h := r.Host
		if h == "" {
			h = a.localAddress
		}
		host = "http://" + h
		if r.TLS != nil {
			host = "https://" + h
		}
	}

	u, err := url.Parse(host)
	if err != nil {
		return "ws://" + a.localAddress + "/ws"
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}
