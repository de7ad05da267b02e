// Package remote is the HTTP client implementation of resolver.Remote: it
// talks to a peer forgebuildd's internal/httpapi routes the way the
// teacher's internal/client/client.go talks to its gRPC daemon, just over
// plain JSON instead of protobuf.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/children"
	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
)

// Peer is a resolver.Remote backed by one peer server's base URL.
type Peer struct {
	BaseURL string
	HTTP    *http.Client
}

// NewPeer constructs a Peer against baseURL (e.g. "http://peer:8080"),
// defaulting to a client with a sane per-request timeout when none is
// supplied — remote calls must never hang the local resolver forever.
func NewPeer(baseURL string) *Peer {
	return &Peer{BaseURL: baseURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (p *Peer) client() *http.Client {
	if p.HTTP != nil {
		return p.HTTP
	}
	return http.DefaultClient
}

func (p *Peer) GetBuild(ctx context.Context, id ids.ID) (*build.Build, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/builds/"+id.String(), nil)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "build remote get-build request", err)
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "call remote get-build", err)
	}
	defer resp.Body.Close()
	if err := statusToError(resp); err != nil {
		return nil, err
	}

	var b build.Build
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "decode remote build", err)
	}
	return &b, nil
}

func (p *Peer) GetChildren(ctx context.Context, id ids.ID, arg children.Arg) ([]ids.ID, error) {
	u := p.BaseURL + "/builds/" + id.String() + "/children?" + childrenQuery(arg).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "build remote get-children request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "call remote get-children", err)
	}
	defer resp.Body.Close()
	if err := statusToError(resp); err != nil {
		return nil, err
	}

	var out []ids.ID
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "decode remote children", err)
	}
	return out, nil
}

func (p *Peer) GetLog(ctx context.Context, id ids.ID, arg logstream.Arg) ([]byte, error) {
	u := p.BaseURL + "/builds/" + id.String() + "/log?" + logQuery(arg).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "build remote get-log request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "call remote get-log", err)
	}
	defer resp.Body.Close()
	if err := statusToError(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "read remote log body", err)
	}
	return body, nil
}

func (p *Peer) PutBuild(ctx context.Context, arg build.PutArg) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "encode put build arg", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.BaseURL+"/builds/"+arg.Build.ID.String(), bytes.NewReader(body))
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "build remote put-build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "call remote put-build", err)
	}
	defer resp.Body.Close()
	return statusToError(resp)
}

func (p *Peer) AddChild(ctx context.Context, parent, child ids.ID) error {
	body, err := json.Marshal(struct {
		Child ids.ID `json:"child"`
	}{Child: child})
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "encode add child body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/builds/"+parent.String()+"/children", bytes.NewReader(body))
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "build remote add-child request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "call remote add-child", err)
	}
	defer resp.Body.Close()
	return statusToError(resp)
}

func childrenQuery(arg children.Arg) url.Values {
	v := url.Values{}
	if arg.Position != nil {
		v.Set("position", positionQuery(int(arg.Position.Kind), arg.Position.Value))
	}
	if arg.Length != nil {
		v.Set("length", strconv.FormatInt(*arg.Length, 10))
	}
	if arg.Size > 0 {
		v.Set("size", strconv.Itoa(arg.Size))
	}
	if arg.Timeout != nil {
		v.Set("timeout", arg.Timeout.String())
	}
	return v
}

func logQuery(arg logstream.Arg) url.Values {
	v := url.Values{}
	if arg.Position != nil {
		v.Set("position", positionQuery(int(arg.Position.Kind), arg.Position.Value))
	}
	if arg.Length != nil {
		v.Set("length", strconv.FormatInt(*arg.Length, 10))
	}
	if arg.Size > 0 {
		v.Set("size", strconv.Itoa(arg.Size))
	}
	if arg.Timeout != nil {
		v.Set("timeout", arg.Timeout.String())
	}
	return v
}

func positionQuery(kind int, value int64) string {
	names := [...]string{"start", "end", "current"}
	name := "start"
	if kind >= 0 && kind < len(names) {
		name = names[kind]
	}
	return fmt.Sprintf("%s:%d", name, value)
}

func statusToError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string        `json:"error"`
		Kind  forgeerr.Kind `json:"kind"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Kind == "" {
		body.Kind = forgeerr.KindInternal
	}
	if body.Error == "" {
		body.Error = resp.Status
	}
	return forgeerr.New(body.Kind, body.Error)
}
