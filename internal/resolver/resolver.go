// Package resolver implements local-first, remote-fallback routing: every
// read tries the local build-state subsystem first and only consults
// configured peer servers on a miss, caching a finished remote build
// locally so later reads never cross the network again. Writers follow
// the mirror pattern — push the child to the remote, then delegate the
// edge insertion — per original_source/packages/server/src/build/children.rs's
// try_add_build_child_remote and get.rs's try_get_build_remote.
package resolver

import (
	"context"
	"time"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/children"
	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
)

// Remote is a peer server offering the same read/write surface as the
// local build-state subsystem, reached over the network (see
// internal/remote for the HTTP implementation).
type Remote interface {
	GetBuild(ctx context.Context, id ids.ID) (*build.Build, error)
	GetChildren(ctx context.Context, id ids.ID, arg children.Arg) ([]ids.ID, error)
	GetLog(ctx context.Context, id ids.ID, arg logstream.Arg) ([]byte, error)
	PutBuild(ctx context.Context, arg build.PutArg) error
	AddChild(ctx context.Context, parent, child ids.ID) error
}

// Resolver wires the local build-state subsystem to an ordered list of
// remotes, consulted in order on a local miss.
type Resolver struct {
	Build    *build.Machine
	Children *children.Children
	Logs     *logstream.Logs
	Remotes  []Remote
}

// New constructs a Resolver over the local subsystem and remotes, in
// fallback order.
func New(b *build.Machine, c *children.Children, l *logstream.Logs, remotes []Remote) *Resolver {
	return &Resolver{Build: b, Children: c, Logs: l, Remotes: remotes}
}

// GetBuild returns the build if known locally; otherwise the first remote
// that has it, caching it locally (with its full children closure) if it
// is finished.
func (r *Resolver) GetBuild(ctx context.Context, id ids.ID) (*build.Build, error) {
	local, err := r.Build.GetBuild(ctx, id)
	if err == nil {
		return local, nil
	}
	if !forgeerr.Is(err, forgeerr.KindNotFound) {
		return nil, err
	}

	for _, remote := range r.Remotes {
		b, rerr := remote.GetBuild(ctx, id)
		if rerr != nil {
			continue
		}
		if b.Status == build.StatusFinished {
			r.cacheFinishedBuild(ctx, remote, b)
		}
		return b, nil
	}
	return nil, forgeerr.Newf(forgeerr.KindNotFound, "build %s not found locally or on any remote", id)
}

// cacheFinishedBuild materializes a finished remote build locally,
// fetching its children with a zero timeout so the caching side-effect
// never blocks on the remote's own tail.
func (r *Resolver) cacheFinishedBuild(ctx context.Context, remote Remote, b *build.Build) {
	zero := time.Duration(0)
	kids, err := remote.GetChildren(ctx, b.ID, children.Arg{
		Position: &children.Position{Kind: children.FromStart, Value: 0},
		Timeout:  &zero,
	})
	if err != nil {
		return
	}
	_ = r.Build.PutBuild(ctx, build.PutArg{Build: *b, Children: kids})
}

// TryGetChildren streams children, falling back to a remote (as a single
// already-materialized chunk) on a local miss.
func (r *Resolver) TryGetChildren(ctx context.Context, id ids.ID, arg children.Arg) (*children.Stream, error) {
	stream, err := r.Children.TryGetChildren(ctx, id, arg)
	if err == nil {
		return stream, nil
	}
	if !forgeerr.Is(err, forgeerr.KindNotFound) {
		return nil, err
	}

	for _, remote := range r.Remotes {
		kids, rerr := remote.GetChildren(ctx, id, arg)
		if rerr != nil {
			continue
		}
		go r.tryCacheFromRemote(ctx, remote, id)
		return children.StaticStream(kids), nil
	}
	return nil, forgeerr.Newf(forgeerr.KindNotFound, "build %s not found locally or on any remote", id)
}

// TryGetLog streams log bytes, falling back to a remote (as a single
// already-materialized chunk) on a local miss.
func (r *Resolver) TryGetLog(ctx context.Context, id ids.ID, arg logstream.Arg) (*logstream.Stream, error) {
	stream, err := r.Logs.TryGetLog(ctx, id, arg)
	if err == nil {
		return stream, nil
	}
	if !forgeerr.Is(err, forgeerr.KindNotFound) {
		return nil, err
	}

	for _, remote := range r.Remotes {
		bytes, rerr := remote.GetLog(ctx, id, arg)
		if rerr != nil {
			continue
		}
		go r.tryCacheFromRemote(ctx, remote, id)
		return logstream.StaticStream(bytes), nil
	}
	return nil, forgeerr.Newf(forgeerr.KindNotFound, "build %s not found locally or on any remote", id)
}

func (r *Resolver) tryCacheFromRemote(ctx context.Context, remote Remote, id ids.ID) {
	b, err := remote.GetBuild(ctx, id)
	if err != nil || b.Status != build.StatusFinished {
		return
	}
	r.cacheFinishedBuild(ctx, remote, b)
}

// AddChild inserts a child edge locally, or on a local miss, pushes the
// child build to the first viable remote before forwarding the edge —
// the remote must be able to resolve the child id immediately on receipt.
// The push happens only when the child build is known locally; a child
// unknown here is not pushed, and the edge is forwarded without it.
func (r *Resolver) AddChild(ctx context.Context, parent, child ids.ID) error {
	err := r.Children.AddChild(ctx, parent, child)
	if err == nil {
		return nil
	}
	if !forgeerr.Is(err, forgeerr.KindNotFound) {
		return err
	}

	childBuild, childErr := r.Build.GetBuild(ctx, child)

	var lastErr error
	for _, remote := range r.Remotes {
		if childErr == nil {
			if err := remote.PutBuild(ctx, build.PutArg{Build: *childBuild}); err != nil {
				lastErr = err
				continue
			}
		}
		if err := remote.AddChild(ctx, parent, child); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "push-then-delegate add child to remote", lastErr)
	}
	return forgeerr.Newf(forgeerr.KindNotFound, "build %s not found locally or on any remote", parent)
}
