// Package runtime supplies forgebuild's one concrete TargetRuntime: the
// scripting runtime that actually executes a build target is out of
// scope per spec.md §1 ("the embedded scripting runtime that executes
// build targets"), named only as an external collaborator. DockerRuntime
// gives that collaborator a minimal, real body — grounded in the
// teacher's internal/container/docker/docker.go — so the pack's heaviest
// domain dependency (docker/docker's client) is exercised by something,
// rather than left unwired.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
)

// TargetRuntime runs one build target to completion, streaming its
// output into the build's log and reporting its result into the
// BuildStateMachine. A real scripting runtime could implement this
// interface in DockerRuntime's place without internal/resolver or
// internal/httpapi ever noticing.
type TargetRuntime interface {
	Run(ctx context.Context, b *build.Build, cmd []string) error
}

// PackageLayer resolves a target artifact id to the files a runtime needs
// to check out before running it. Dependency resolution, lockfiles, and
// artifact layout are PackageLayer's domain (spec.md §1) and are
// explicitly not implemented here: DockerRuntime takes an already-decided
// command line instead of consulting a PackageLayer, so this interface
// exists only to name the seam a real implementation would plug into.
type PackageLayer interface {
	Checkout(ctx context.Context, target ids.ID) (dir string, err error)
}

// DockerRuntime runs a target's command inside a short-lived container.
// Spec.md's Non-goals exclude scheduling policy across workers, so
// DockerRuntime holds no queue of its own: Run executes exactly one
// target per call, and the caller decides how many calls happen
// concurrently.
type DockerRuntime struct {
	cli   *client.Client
	image string

	// MemoryLimit is a human-readable memory limit ("512m", "2g"),
	// parsed with go-units the way the teacher's DockerManager.CreateContainer
	// parses cfg.MemoryLimit. Empty means no limit.
	MemoryLimit string

	Build *build.Machine
	Logs  *logstream.Logs
}

// NewDockerRuntime constructs a DockerRuntime that runs every target's
// command inside a container of image.
func NewDockerRuntime(image string, b *build.Machine, l *logstream.Logs) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "create docker client", err)
	}
	return &DockerRuntime{cli: cli, image: image, Build: b, Logs: l}, nil
}

// Run transitions b to Started, creates and starts a container running
// cmd, streams its combined stdout/stderr into the build's log as it
// arrives, waits for it to exit, and finishes b with a Succeeded or
// Failed outcome depending on the exit code.
func (d *DockerRuntime) Run(ctx context.Context, b *build.Build, cmd []string) error {
	if err := d.Build.UpdateStatus(ctx, b.ID, build.StatusStarted); err != nil {
		return err
	}

	containerID, err := d.createAndStart(ctx, cmd)
	if err != nil {
		return d.fail(ctx, b.ID, err)
	}
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.streamLogs(ctx, b.ID, containerID); err != nil {
		return d.fail(ctx, b.ID, err)
	}

	exitCode, err := d.wait(ctx, containerID)
	if err != nil {
		return d.fail(ctx, b.ID, err)
	}
	if exitCode != 0 {
		return d.fail(ctx, b.ID, forgeerr.Newf(forgeerr.KindInternal, "target exited with code %d", exitCode))
	}

	return d.Build.Finish(ctx, b.ID, build.Outcome{Kind: build.OutcomeSucceeded})
}

func (d *DockerRuntime) createAndStart(ctx context.Context, cmd []string) (string, error) {
	var hostConfig *container.HostConfig
	if d.MemoryLimit != "" {
		memBytes, err := units.RAMInBytes(d.MemoryLimit)
		if err != nil {
			return "", forgeerr.Wrap(forgeerr.KindInvalid, "parse container memory limit", err)
		}
		hostConfig = &container.HostConfig{Resources: container.Resources{Memory: memBytes}}
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   cmd,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.KindUnavailable, "create target container", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", forgeerr.Wrap(forgeerr.KindUnavailable, "start target container", err)
	}
	return resp.ID, nil
}

// streamLogs reads the container's combined stdout/stderr and forwards
// each chunk to LogStream.AddLog as it arrives, so a build's log is
// visible to tailing readers while the target is still running rather
// than only after it exits.
func (d *DockerRuntime) streamLogs(ctx context.Context, id ids.ID, containerID string) error {
	out, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "attach target container logs", err)
	}
	defer out.Close()

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, out)
		pw.CloseWithError(copyErr)
	}()

	buf := make([]byte, 4096)
	for {
		n, readErr := pr.Read(buf)
		if n > 0 {
			if err := d.Logs.AddLog(ctx, id, bytes.Clone(buf[:n])); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return forgeerr.Wrap(forgeerr.KindUnavailable, "stream target container logs", readErr)
		}
	}
}

func (d *DockerRuntime) wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, forgeerr.Wrap(forgeerr.KindUnavailable, "wait for target container", err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, forgeerr.Wrap(forgeerr.KindTimeout, "wait for target container", ctx.Err())
	}
}

func (d *DockerRuntime) fail(ctx context.Context, id ids.ID, cause error) error {
	finishErr := d.Build.Finish(ctx, id, build.Outcome{
		Kind: build.OutcomeFailed,
		Error: &build.OutcomeError{
			Kind:    forgeerr.KindInternal,
			Message: cause.Error(),
		},
	})
	if finishErr != nil {
		return fmt.Errorf("target failed (%w) and recording the failure also failed: %v", cause, finishErr)
	}
	return cause
}
