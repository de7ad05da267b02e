package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/children"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/resolver"
	"github.com/schererja/forgebuild/internal/store"
	"github.com/schererja/forgebuild/internal/telemetry/logger"
)

func newTestServer(t *testing.T) (*httptest.Server, *build.Machine) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	msgr := messenger.NewMemory()
	log := logger.NewLogger()
	bm := build.New(s, msgr, log)
	cs := children.New(s, msgr, log)
	ls := logstream.New(s, msgr, log)
	rs := resolver.New(bm, cs, ls, nil)

	api := &API{Resolver: rs, Messenger: msgr, Log: log}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, bm
}

func createTestBuild(t *testing.T, bm *build.Machine, id ids.ID, status build.Status) {
	t.Helper()
	err := bm.PutBuild(context.Background(), build.PutArg{
		Build: build.Build{
			ID:        id,
			Host:      "linux/amd64",
			Target:    ids.NewArtifact(),
			Status:    status,
			Retry:     build.RetryFailed,
			CreatedAt: time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("PutBuild: %v", err)
	}
}

func TestGetBuildNotFoundReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/builds/" + ids.NewBuild().String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetBuildReturnsJSON(t *testing.T) {
	srv, bm := newTestServer(t)
	id := ids.NewBuild()
	createTestBuild(t, bm, id, build.StatusStarted)

	resp, err := http.Get(srv.URL + "/builds/" + id.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got build.Build
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != id {
		t.Fatalf("ID = %v, want %v", got.ID, id)
	}
}

func TestAddChildThenListJSON(t *testing.T) {
	srv, bm := newTestServer(t)
	parent := ids.NewBuild()
	createTestBuild(t, bm, parent, build.StatusStarted)
	child := ids.NewBuild()

	body, _ := json.Marshal(struct {
		Child ids.ID `json:"child"`
	}{Child: child})
	resp, err := http.Post(srv.URL+"/builds/"+parent.String()+"/children", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/builds/"+parent.String()+"/children?timeout=10ms", nil)
	getResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET children: %v", err)
	}
	defer getResp.Body.Close()

	var items []string
	if err := json.NewDecoder(getResp.Body).Decode(&items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0] != child.String() {
		t.Fatalf("items = %v", items)
	}
}

func TestPostThenGetLogSSE(t *testing.T) {
	srv, bm := newTestServer(t)
	id := ids.NewBuild()
	createTestBuild(t, bm, id, build.StatusStarted)

	resp, err := http.Post(srv.URL+"/builds/"+id.String()+"/log", "application/octet-stream", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("POST log: %v", err)
	}
	resp.Body.Close()

	if err := bm.Finish(context.Background(), id, build.Outcome{Kind: build.OutcomeSucceeded}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/builds/"+id.String()+"/log", nil)
	req.Header.Set("Accept", "text/event-stream")
	getResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET log: %v", err)
	}
	defer getResp.Body.Close()

	scanner := bufio.NewScanner(getResp.Body)
	var gotEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			gotEvent = true
			break
		}
	}
	if !gotEvent {
		t.Fatalf("expected at least one SSE data event")
	}
}

func TestGetStatusUnknownBuildReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/builds/" + ids.NewBuild().String() + "/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct == "text/event-stream" {
		t.Fatalf("expected a plain JSON error body, got SSE headers")
	}
}

func TestGetStatusSSEReportsFinished(t *testing.T) {
	srv, bm := newTestServer(t)
	id := ids.NewBuild()
	createTestBuild(t, bm, id, build.StatusStarted)

	if err := bm.Finish(context.Background(), id, build.Outcome{Kind: build.OutcomeSucceeded}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	resp, err := http.Get(srv.URL + "/builds/" + id.String() + "/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var gotFinished bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, string(build.StatusFinished)) {
			gotFinished = true
			break
		}
	}
	if !gotFinished {
		t.Fatalf("expected an SSE event reporting status %q", build.StatusFinished)
	}
}

func TestUnknownAcceptHeaderRejected(t *testing.T) {
	srv, bm := newTestServer(t)
	id := ids.NewBuild()
	createTestBuild(t, bm, id, build.StatusStarted)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/builds/"+id.String()+"/children", nil)
	req.Header.Set("Accept", "application/xml")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
