package children

import (
	"context"
	"testing"
	"time"

	buildpkg "github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/store"
)

func newTestComponents(t *testing.T) (*buildpkg.Machine, *Children) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	msgr := messenger.NewMemory()
	return buildpkg.New(s, msgr, nil), New(s, msgr, nil)
}

func createBuild(t *testing.T, m *buildpkg.Machine, id ids.ID) {
	t.Helper()
	err := m.PutBuild(context.Background(), buildpkg.PutArg{
		Build: buildpkg.Build{
			ID:        id,
			Host:      "linux/amd64",
			Target:    ids.NewArtifact(),
			Status:    buildpkg.StatusStarted,
			CreatedAt: time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("PutBuild: %v", err)
	}
}

func TestAddChildIdempotent(t *testing.T) {
	m, c := newTestComponents(t)
	parent := ids.NewBuild()
	createBuild(t, m, parent)
	child := ids.NewBuild()
	ctx := context.Background()

	if err := c.AddChild(ctx, parent, child); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if err := c.AddChild(ctx, parent, child); err != nil {
		t.Fatalf("AddChild (repeat): %v", err)
	}

	conn, err := c.st.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection: %v", err)
	}
	defer conn.Close()
	count, err := childCount(ctx, conn, parent)
	if err != nil {
		t.Fatalf("childCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestAddChildUnknownBuild(t *testing.T) {
	_, c := newTestComponents(t)
	if err := c.AddChild(context.Background(), ids.NewBuild(), ids.NewBuild()); err == nil {
		t.Fatalf("expected NotFound for unknown parent build")
	}
}

func TestTailAndFinish(t *testing.T) {
	m, c := newTestComponents(t)
	parent := ids.NewBuild()
	createBuild(t, m, parent)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := c.TryGetChildren(ctx, parent, Arg{})
	if err != nil {
		t.Fatalf("TryGetChildren: %v", err)
	}
	defer stream.Close()

	child1 := ids.NewBuild()
	child2 := ids.NewBuild()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.AddChild(ctx, parent, child1)
		_ = c.AddChild(ctx, parent, child2)
		time.Sleep(20 * time.Millisecond)
		_ = m.UpdateStatus(ctx, parent, buildpkg.StatusQueued)
		_ = m.Finish(ctx, parent, buildpkg.Outcome{Kind: buildpkg.OutcomeSucceeded})
	}()

	var gotItems []ids.ID
	for {
		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		gotItems = append(gotItems, chunk.Items...)
	}

	if len(gotItems) != 2 {
		t.Fatalf("got %d items, want 2: %v", len(gotItems), gotItems)
	}
}

func TestSeekPastEnd(t *testing.T) {
	m, c := newTestComponents(t)
	parent := ids.NewBuild()
	createBuild(t, m, parent)
	ctx := context.Background()

	if err := c.AddChild(ctx, parent, ids.NewBuild()); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if err := c.AddChild(ctx, parent, ids.NewBuild()); err != nil {
		t.Fatalf("AddChild: %v", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	stream, err := c.TryGetChildren(streamCtx, parent, Arg{Position: &Position{Kind: FromStart, Value: 5}})
	if err != nil {
		t.Fatalf("TryGetChildren: %v", err)
	}
	defer stream.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Finish(streamCtx, parent, buildpkg.Outcome{Kind: buildpkg.OutcomeSucceeded})
	}()

	chunk, ok, err := stream.Next(streamCtx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatalf("expected no chunks past end, got %v", chunk)
	}
}

func TestZeroLengthCompletesImmediately(t *testing.T) {
	m, c := newTestComponents(t)
	parent := ids.NewBuild()
	createBuild(t, m, parent)
	zero := int64(0)

	stream, err := c.TryGetChildren(context.Background(), parent, Arg{Length: &zero})
	if err != nil {
		t.Fatalf("TryGetChildren: %v", err)
	}
	defer stream.Close()

	_, ok, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatalf("expected immediate completion for length=0")
	}
}

func TestTryGetChildrenUnknownBuild(t *testing.T) {
	_, c := newTestComponents(t)
	if _, err := c.TryGetChildren(context.Background(), ids.NewBuild(), Arg{}); err == nil {
		t.Fatalf("expected NotFound for unknown build")
	}
}
