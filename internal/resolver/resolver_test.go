package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/children"
	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/store"
)

type fakeRemote struct {
	builds   map[ids.ID]*build.Build
	children map[ids.ID][]ids.ID
	putCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{builds: map[ids.ID]*build.Build{}, children: map[ids.ID][]ids.ID{}}
}

func (f *fakeRemote) GetBuild(_ context.Context, id ids.ID) (*build.Build, error) {
	b, ok := f.builds[id]
	if !ok {
		return nil, forgeerr.New(forgeerr.KindNotFound, "not on remote")
	}
	return b, nil
}

func (f *fakeRemote) GetChildren(_ context.Context, id ids.ID, _ children.Arg) ([]ids.ID, error) {
	kids, ok := f.children[id]
	if !ok {
		return nil, forgeerr.New(forgeerr.KindNotFound, "not on remote")
	}
	return kids, nil
}

func (f *fakeRemote) GetLog(context.Context, ids.ID, logstream.Arg) ([]byte, error) {
	return nil, forgeerr.New(forgeerr.KindNotFound, "not on remote")
}

func (f *fakeRemote) PutBuild(_ context.Context, arg build.PutArg) error {
	f.putCalls++
	f.builds[arg.Build.ID] = &arg.Build
	return nil
}

func (f *fakeRemote) AddChild(_ context.Context, parent, child ids.ID) error {
	f.children[parent] = append(f.children[parent], child)
	return nil
}

func newTestResolver(t *testing.T, remotes ...Remote) (*Resolver, *build.Machine) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	msgr := messenger.NewMemory()
	bm := build.New(s, msgr, nil)
	cs := children.New(s, msgr, nil)
	ls := logstream.New(s, msgr, nil)
	return New(bm, cs, ls, remotes), bm
}

func TestGetBuildCachesFinishedRemoteBuild(t *testing.T) {
	remote := newFakeRemote()
	remoteBuildID := ids.NewBuild()
	childID := ids.NewBuild()
	now := time.Now()
	remote.builds[remoteBuildID] = &build.Build{
		ID:         remoteBuildID,
		Host:       "linux/amd64",
		Target:     ids.NewArtifact(),
		Status:     build.StatusFinished,
		Outcome:    &build.Outcome{Kind: build.OutcomeSucceeded},
		Retry:      build.RetryFailed,
		CreatedAt:  now,
		FinishedAt: &now,
	}
	remote.children[remoteBuildID] = []ids.ID{childID}

	r, bm := newTestResolver(t, remote)
	ctx := context.Background()

	got, err := r.GetBuild(ctx, remoteBuildID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.ID != remoteBuildID {
		t.Fatalf("got wrong build")
	}

	// GetBuild caches synchronously on the direct GetBuild path, so the
	// local read right after it already sees the cached build.
	local, err := bm.GetBuild(ctx, remoteBuildID)
	if err != nil {
		t.Fatalf("expected build to be cached locally: %v", err)
	}
	if local.Status != build.StatusFinished {
		t.Fatalf("cached build status = %v", local.Status)
	}
}

func TestGetBuildNotFoundAnywhere(t *testing.T) {
	r, _ := newTestResolver(t, newFakeRemote())
	_, err := r.GetBuild(context.Background(), ids.NewBuild())
	if !forgeerr.Is(err, forgeerr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAddChildPushesThenDelegatesToRemote(t *testing.T) {
	remote := newFakeRemote()
	r, bm := newTestResolver(t, remote)
	parent := ids.NewBuild()
	child := ids.NewBuild()
	if err := bm.PutBuild(context.Background(), build.PutArg{Build: build.Build{
		ID:        child,
		Host:      "linux/amd64",
		Target:    ids.NewArtifact(),
		Status:    build.StatusCreated,
		Retry:     build.RetryFailed,
		CreatedAt: time.Now(),
	}}); err != nil {
		t.Fatalf("PutBuild child: %v", err)
	}

	if err := r.AddChild(context.Background(), parent, child); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if remote.putCalls != 1 || remote.builds[child] == nil {
		t.Fatalf("expected the child build to be pushed to the remote, putCalls = %d", remote.putCalls)
	}
	if got := remote.children[parent]; len(got) != 1 || got[0] != child {
		t.Fatalf("remote children = %v", got)
	}
}
