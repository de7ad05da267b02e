package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/schererja/forgebuild/internal/forgeerr"
)

type negotiatedMode int

const (
	modeJSON negotiatedMode = iota
	modeSSE
)

// negotiate implements the accept-header rule from
// original_source/packages/server/src/build/get.rs and children.rs: a
// missing Accept header and "*/*" both default to JSON; only a truly
// unrecognized subtype is rejected with 400.
func negotiate(r *http.Request) (negotiatedMode, error) {
	accept := strings.TrimSpace(r.Header.Get("Accept"))
	if accept == "" {
		return modeJSON, nil
	}
	for _, part := range strings.Split(accept, ",") {
		mime := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mime {
		case "*/*", "application/*", "application/json":
			return modeJSON, nil
		case "text/event-stream":
			return modeSSE, nil
		}
	}
	return 0, forgeerr.Newf(forgeerr.KindInvalid, "unsupported accept header %q", accept)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a forgeerr.Kind onto the HTTP status spec.md §4.7/§7
// assigns it.
func statusFor(kind forgeerr.Kind) int {
	switch kind {
	case forgeerr.KindNotFound:
		return http.StatusNotFound
	case forgeerr.KindInvalid:
		return http.StatusBadRequest
	case forgeerr.KindConflict:
		return http.StatusConflict
	case forgeerr.KindUnavailable:
		return http.StatusServiceUnavailable
	case forgeerr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := forgeerr.KindOf(err)
	writeJSON(w, statusFor(kind), struct {
		Error string        `json:"error"`
		Kind  forgeerr.Kind `json:"kind"`
	}{Error: err.Error(), Kind: kind})
}

// writeError logs internal/store/remote failures at ERROR (the caller
// already has nothing further to do about them) before writing the
// response body; validation and not-found responses aren't failures of
// the server itself, so they pass through without a log line.
func (a *API) writeError(w http.ResponseWriter, err error) {
	kind := forgeerr.KindOf(err)
	switch kind {
	case forgeerr.KindInternal, forgeerr.KindUnavailable:
		a.Log.Error("request failed", err, slog.Int("status", statusFor(kind)))
	}
	writeError(w, err)
}

type flusher interface {
	Flush()
}

func startSSE(w http.ResponseWriter) flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		return f
	}
	return noopFlusher{}
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}

func writeSSEEvent(w http.ResponseWriter, f flusher, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(body)
	w.Write([]byte("\n\n"))
	f.Flush()
}

// newShutdownContext returns a context canceled when either parent is
// done or shutdown closes, so every live stream ends as soon as the
// server begins graceful shutdown.
func newShutdownContext(parent context.Context, shutdown <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(parent)
	if shutdown == nil {
		return ctx
	}
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
