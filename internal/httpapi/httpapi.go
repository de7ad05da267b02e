// Package httpapi is the HttpSurface: request parsing, accept-header
// content negotiation between application/json (collect-to-array) and
// text/event-stream (SSE, one frame per chunk), and termination of live
// streams on server shutdown. Routing is chi.Router, grounded in the rest
// of the example pack's use of go-chi/chi/v5 for exactly this kind of
// resource-oriented API.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/children"
	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/resolver"
	"github.com/schererja/forgebuild/internal/telemetry/logger"
)

// API is the HttpSurface component: it owns no state of its own beyond
// its collaborators and a shutdown signal shared with the rest of the
// server.
type API struct {
	Resolver *resolver.Resolver
	Messenger messenger.Messenger
	Log      *logger.Logger
	// Shutdown is closed when the server begins graceful shutdown; every
	// live stream watches it and ends early.
	Shutdown <-chan struct{}
}

// Router builds the chi.Router exposing every route in spec.md §6.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/builds/{id}", func(r chi.Router) {
		r.Get("/", a.handleGetBuild)
		r.Put("/", a.handlePutBuild)
		r.Get("/children", a.handleGetChildren)
		r.Post("/children", a.handlePostChild)
		r.Get("/log", a.handleGetLog)
		r.Post("/log", a.handlePostLog)
		r.Get("/status", a.handleGetStatus)
	})
	return r
}

func (a *API) buildID(r *http.Request) (ids.ID, error) {
	return ids.ParseBuild(chi.URLParam(r, "id"))
}

func (a *API) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id, err := a.buildID(r)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "parse build id", err))
		return
	}
	b, err := a.Resolver.GetBuild(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handlePutBuild(w http.ResponseWriter, r *http.Request) {
	id, err := a.buildID(r)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "parse build id", err))
		return
	}
	var arg build.PutArg
	if err := json.NewDecoder(r.Body).Decode(&arg); err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "decode put build body", err))
		return
	}
	arg.Build.ID = id

	if err := a.Resolver.Build.PutBuild(r.Context(), arg); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	id, err := a.buildID(r)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "parse build id", err))
		return
	}
	mode, err := negotiate(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	arg, err := parseChildrenArg(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	stream, err := a.Resolver.TryGetChildren(r.Context(), id, arg)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer stream.Close()

	switch mode {
	case modeJSON:
		var items []ids.ID
		for {
			chunk, ok, err := stream.Next(a.streamCtx(r))
			if err != nil {
				a.writeError(w, err)
				return
			}
			if !ok {
				break
			}
			items = append(items, chunk.Items...)
		}
		writeJSON(w, http.StatusOK, items)
	case modeSSE:
		flusher := startSSE(w)
		for {
			chunk, ok, err := stream.Next(a.streamCtx(r))
			if err != nil {
				return
			}
			if !ok {
				return
			}
			writeSSEEvent(w, flusher, chunk)
		}
	}
}

func (a *API) handlePostChild(w http.ResponseWriter, r *http.Request) {
	id, err := a.buildID(r)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "parse build id", err))
		return
	}
	var body struct {
		Child ids.ID `json:"child"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "decode add child body", err))
		return
	}
	if err := a.Resolver.AddChild(r.Context(), id, body.Child); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := a.buildID(r)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "parse build id", err))
		return
	}
	mode, err := negotiate(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	arg, err := parseLogArg(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	stream, err := a.Resolver.TryGetLog(r.Context(), id, arg)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer stream.Close()

	switch mode {
	case modeJSON:
		var out []byte
		for {
			chunk, ok, err := stream.Next(a.streamCtx(r))
			if err != nil {
				a.writeError(w, err)
				return
			}
			if !ok {
				break
			}
			out = append(out, chunk.Bytes...)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(out)
	case modeSSE:
		flusher := startSSE(w)
		for {
			chunk, ok, err := stream.Next(a.streamCtx(r))
			if err != nil {
				return
			}
			if !ok {
				return
			}
			writeSSEEvent(w, flusher, chunk)
		}
	}
}

func (a *API) handlePostLog(w http.ResponseWriter, r *http.Request) {
	id, err := a.buildID(r)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "parse build id", err))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "read log body", err))
		return
	}
	if err := a.Resolver.Logs.AddLog(r.Context(), id, body); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := a.buildID(r)
	if err != nil {
		a.writeError(w, forgeerr.Wrap(forgeerr.KindInvalid, "parse build id", err))
		return
	}

	ctx := a.streamCtx(r)

	// Resolve the build before writing any SSE headers so an unknown
	// build still surfaces spec.md §6's 404, the same way the
	// children/log handlers do by acquiring their stream first.
	b, err := a.Resolver.GetBuild(ctx, id)
	if err != nil {
		a.writeError(w, err)
		return
	}

	flusher := startSSE(w)

	var notify <-chan struct{}
	var unsubscribe func()
	if a.Messenger != nil {
		notify, unsubscribe, err = a.Messenger.Subscribe(ctx, "builds."+id.String()+".status")
		if err == nil {
			defer unsubscribe()
		}
	}

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		writeSSEEvent(w, flusher, struct {
			Status string `json:"status"`
		}{Status: string(b.Status)})
		if b.Status == build.StatusFinished {
			return
		}

		select {
		case <-notify:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		b, err = a.Resolver.GetBuild(ctx, id)
		if err != nil {
			return
		}
	}
}

// streamCtx derives a context that is canceled when either the request's
// own context ends or the server begins shutdown.
func (a *API) streamCtx(r *http.Request) context.Context {
	return newShutdownContext(r.Context(), a.Shutdown)
}

func parseChildrenArg(r *http.Request) (children.Arg, error) {
	q := r.URL.Query()
	arg := children.Arg{}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return arg, forgeerr.Wrap(forgeerr.KindInvalid, "parse size", err)
		}
		arg.Size = n
	}
	if v := q.Get("length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return arg, forgeerr.Wrap(forgeerr.KindInvalid, "parse length", err)
		}
		arg.Length = &n
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return arg, forgeerr.Wrap(forgeerr.KindInvalid, "parse timeout", err)
		}
		arg.Timeout = &d
	}
	if v := q.Get("position"); v != "" {
		pos, err := parsePosition(v)
		if err != nil {
			return arg, err
		}
		arg.Position = &children.Position{Kind: children.SeekKind(pos.kind), Value: pos.value}
	}
	return arg, nil
}

func parseLogArg(r *http.Request) (logstream.Arg, error) {
	q := r.URL.Query()
	arg := logstream.Arg{}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return arg, forgeerr.Wrap(forgeerr.KindInvalid, "parse size", err)
		}
		arg.Size = n
	}
	if v := q.Get("length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return arg, forgeerr.Wrap(forgeerr.KindInvalid, "parse length", err)
		}
		arg.Length = &n
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return arg, forgeerr.Wrap(forgeerr.KindInvalid, "parse timeout", err)
		}
		arg.Timeout = &d
	}
	if v := q.Get("position"); v != "" {
		pos, err := parsePosition(v)
		if err != nil {
			return arg, err
		}
		arg.Position = &logstream.Position{Kind: logstream.SeekKind(pos.kind), Value: pos.value}
	}
	return arg, nil
}

type genericPosition struct {
	kind  int
	value int64
}

// parsePosition accepts "start:N", "end:N", or "current:N".
func parsePosition(raw string) (genericPosition, error) {
	prefix, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return genericPosition{}, forgeerr.Newf(forgeerr.KindInvalid, "malformed position %q", raw)
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return genericPosition{}, forgeerr.Wrap(forgeerr.KindInvalid, "parse position value", err)
	}
	switch prefix {
	case "start":
		return genericPosition{kind: 0, value: n}, nil
	case "end":
		return genericPosition{kind: 1, value: n}, nil
	case "current":
		return genericPosition{kind: 2, value: n}, nil
	default:
		return genericPosition{}, forgeerr.Newf(forgeerr.KindInvalid, "unknown position kind %q", prefix)
	}
}
