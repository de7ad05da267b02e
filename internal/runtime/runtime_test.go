package runtime

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/store"
)

// requireDocker skips the test unless a Docker daemon is reachable, the
// same availability check the teacher's docker_test.go used.
func requireDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("Docker not available or not running")
	}
}

func newTestRuntime(t *testing.T) (*DockerRuntime, *build.Machine) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	msgr := messenger.NewMemory()
	b := build.New(s, msgr, nil)
	l := logstream.New(s, msgr, nil)

	rt, err := NewDockerRuntime("busybox:latest", b, l)
	require.NoError(t, err)
	return rt, b
}

func newCreatedBuild(t *testing.T, b *build.Machine) *build.Build {
	t.Helper()
	id := ids.NewBuild()
	err := b.PutBuild(context.Background(), build.PutArg{
		Build: build.Build{
			ID:        id,
			Host:      "linux/amd64",
			Target:    ids.NewArtifact(),
			Status:    build.StatusCreated,
			Retry:     build.RetryFailed,
			CreatedAt: time.Now(),
		},
	})
	require.NoError(t, err)
	got, err := b.GetBuild(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestDockerRuntime_RunSucceeds(t *testing.T) {
	requireDocker(t)

	rt, b := newTestRuntime(t)
	target := newCreatedBuild(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := rt.Run(ctx, target, []string{"echo", "hello"})
	require.NoError(t, err)

	got, err := b.GetBuild(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, build.StatusFinished, got.Status)
	require.NotNil(t, got.Outcome)
	require.Equal(t, build.OutcomeSucceeded, got.Outcome.Kind)
}

func TestDockerRuntime_RunRecordsFailureOnNonZeroExit(t *testing.T) {
	requireDocker(t)

	rt, b := newTestRuntime(t)
	target := newCreatedBuild(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := rt.Run(ctx, target, []string{"false"})
	require.Error(t, err)

	got, err := b.GetBuild(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, build.StatusFinished, got.Status)
	require.NotNil(t, got.Outcome)
	require.Equal(t, build.OutcomeFailed, got.Outcome.Kind)
}

func TestDockerRuntime_MemoryLimitRejectsGarbage(t *testing.T) {
	requireDocker(t)

	rt, b := newTestRuntime(t)
	rt.MemoryLimit = "not-a-size"
	target := newCreatedBuild(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := rt.Run(ctx, target, []string{"true"})
	require.Error(t, err)

	got, err := b.GetBuild(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, build.StatusFinished, got.Status)
	require.NotNil(t, got.Outcome)
	require.Equal(t, build.OutcomeFailed, got.Outcome.Kind)
}
