package logstream

import (
	"context"
	"testing"
	"time"

	buildpkg "github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/store"
)

func newTestComponents(t *testing.T) (*buildpkg.Machine, *Logs) {
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

func TestAddLogUnknownBuild(t *testing.T) {
	_, l := newTestComponents(t)
	if err := l.AddLog(context.Background(), ids.NewBuild(), []byte("x")); err == nil {
		t.Fatalf("expected NotFound for unknown build")
	}
}

func TestSSELogTailConcatenates(t *testing.T) {
	m, l := newTestComponents(t)
	id := ids.NewBuild()
	createBuild(t, m, id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := l.TryGetLog(ctx, id, Arg{})
	if err != nil {
		t.Fatalf("TryGetLog: %v", err)
	}
	defer stream.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.AddLog(ctx, id, []byte("hello "))
		_ = l.AddLog(ctx, id, []byte("world"))
		time.Sleep(20 * time.Millisecond)
		_ = m.Finish(ctx, id, buildpkg.Outcome{Kind: buildpkg.OutcomeSucceeded})
	}()

	var got []byte
	var positions []uint64
	for {
		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		positions = append(positions, chunk.Position)
		got = append(got, chunk.Bytes...)
	}

	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
	for i := 1; i < len(positions); i++ {
		if positions[i] <= positions[i-1] {
			t.Fatalf("positions not strictly increasing: %v", positions)
		}
	}
}

func TestLogByteRoundTrip(t *testing.T) {
	m, l := newTestComponents(t)
	id := ids.NewBuild()
	createBuild(t, m, id)
	ctx := context.Background()

	payload := []byte("0123456789")
	if err := l.AddLog(ctx, id, payload); err != nil {
		t.Fatalf("AddLog: %v", err)
	}
	if err := m.Finish(ctx, id, buildpkg.Outcome{Kind: buildpkg.OutcomeSucceeded}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	zero := Position{Kind: FromStart, Value: 0}
	stream, err := l.TryGetLog(streamCtx, id, Arg{Position: &zero})
	if err != nil {
		t.Fatalf("TryGetLog: %v", err)
	}
	defer stream.Close()

	var got []byte
	for {
		chunk, ok, err := stream.Next(streamCtx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, chunk.Bytes...)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestZeroLengthCompletesImmediately(t *testing.T) {
	m, l := newTestComponents(t)
	id := ids.NewBuild()
	createBuild(t, m, id)
	zero := int64(0)

	stream, err := l.TryGetLog(context.Background(), id, Arg{Length: &zero})
	if err != nil {
		t.Fatalf("TryGetLog: %v", err)
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
