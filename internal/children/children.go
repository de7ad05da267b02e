// Package children implements the ChildrenStream: the append-only child
// edge list for a build, plus a seekable, tailing read protocol driven by
// messenger notifications, a periodic liveness tick, and an optional
// timeout — ported from original_source/packages/server/src/build/children.rs's
// stream_select!-based event loop into Go's goroutine+channel idiom.
package children

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/store"
	"github.com/schererja/forgebuild/internal/telemetry/logger"
)

const (
	defaultChunkSize = 10
	tickInterval     = 60 * time.Second
)

// SeekKind is the position-seek mode of a children read.
type SeekKind int

const (
	FromStart SeekKind = iota
	FromEnd
	FromCurrent
)

// Position is a seek request, interpreted against the child count at the
// moment the stream starts.
type Position struct {
	Kind  SeekKind
	Value int64
}

// Arg configures a children read. The zero value tails from now with the
// default chunk size and no length or timeout bound.
type Arg struct {
	Position *Position
	Length   *int64
	Size     int
	Timeout  *time.Duration
}

// Chunk is one batch of children observed at a contiguous position.
type Chunk struct {
	Position uint64
	Items    []ids.ID
}

// Children is the ChildrenStream component.
type Children struct {
	st   store.Store
	msgr messenger.Messenger
	log  *logger.Logger
}

// New constructs a Children stream component. log may be nil.
func New(st store.Store, msgr messenger.Messenger, log *logger.Logger) *Children {
	return &Children{st: st, msgr: msgr, log: log}
}

// AddChild inserts one child edge with the next ordinal, idempotent per
// (build, child). Returns forgeerr.KindNotFound if build is unknown
// locally. Publishes on builds.{build}.children on success.
func (c *Children) AddChild(ctx context.Context, parent, child ids.ID) error {
	conn, err := c.st.Connection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.SerializeBuildWrites(ctx, parent.String(), func(ctx context.Context, tx store.Conn) error {
		if !buildExists(ctx, tx, parent) {
			return forgeerr.Newf(forgeerr.KindNotFound, "build %s not found", parent)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO build_children (build, position, child)
			VALUES (`+tx.Placeholder(1)+`, (SELECT COALESCE(MAX(position) + 1, 0) FROM build_children WHERE build = `+tx.Placeholder(2)+`), `+tx.Placeholder(3)+`)
			ON CONFLICT(build, child) DO NOTHING
		`, parent.String(), parent.String(), child.String())
		if err != nil {
			return forgeerr.Wrap(forgeerr.KindUnavailable, "insert build child", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.msgr != nil {
		if err := c.msgr.Publish(ctx, subject(parent, messenger.SubjectChildrenSuffix), nil); err != nil {
			c.log.WithBuild(parent.String()).WarnContext(ctx, "publish build notification failed", slog.String("subject", messenger.SubjectChildrenSuffix), slog.String("error", err.Error()))
		}
	}
	return nil
}

func buildExists(ctx context.Context, conn store.Conn, id ids.ID) bool {
	row := conn.QueryRow(ctx, `SELECT 1 FROM builds WHERE id = `+conn.Placeholder(1), id.String())
	var one int
	return row.Scan(&one) == nil
}

func buildStatus(ctx context.Context, conn store.Conn, id ids.ID) (build.Status, error) {
	return store.QueryOneValue(ctx, conn, `SELECT status FROM builds WHERE id = `+conn.Placeholder(1), []any{id.String()}, func(row *sql.Row) (build.Status, error) {
		var s string
		err := row.Scan(&s)
		return build.Status(s), err
	})
}

func childCount(ctx context.Context, conn store.Conn, id ids.ID) (int64, error) {
	return store.QueryOneValue(ctx, conn, `SELECT COUNT(*) FROM build_children WHERE build = `+conn.Placeholder(1), []any{id.String()}, func(row *sql.Row) (int64, error) {
		var n int64
		err := row.Scan(&n)
		return n, err
	})
}

func subject(id ids.ID, suffix string) string {
	return "builds." + id.String() + "." + suffix
}

// resolveStart converts arg.Position against the current child count into
// an absolute, non-negative starting offset.
func resolveStart(pos *Position, count int64) (uint64, error) {
	if pos == nil {
		return uint64(count), nil
	}
	var abs int64
	switch pos.Kind {
	case FromStart:
		abs = pos.Value
	case FromEnd, FromCurrent:
		abs = count + pos.Value
	default:
		return 0, forgeerr.Newf(forgeerr.KindInvalid, "unknown seek kind %d", pos.Kind)
	}
	if abs < 0 {
		return 0, forgeerr.New(forgeerr.KindInvalid, "seek position out of range")
	}
	return uint64(abs), nil
}

// Stream is a live, tailing read of a build's children.
type Stream struct {
	chunks chan Chunk
	errc   chan error
	cancel context.CancelFunc
}

// Next blocks until the next chunk, completion (ok=false, err=nil), or an
// error arrives.
func (s *Stream) Next(ctx context.Context) (Chunk, bool, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return Chunk{}, false, nil
		}
		return chunk, true, nil
	case err := <-s.errc:
		return Chunk{}, false, err
	case <-ctx.Done():
		return Chunk{}, false, ctx.Err()
	}
}

// Close releases the stream's subscriptions and background goroutine.
func (s *Stream) Close() { s.cancel() }

// StaticStream wraps an already-materialized slice of children (as
// fetched from a remote) as a one-chunk Stream that completes
// immediately, for callers that need the Stream interface without a live
// local tail.
func StaticStream(items []ids.ID) *Stream {
	s := &Stream{chunks: make(chan Chunk, 1), errc: make(chan error, 1), cancel: func() {}}
	if len(items) > 0 {
		s.chunks <- Chunk{Position: 0, Items: items}
	}
	close(s.chunks)
	return s
}

// TryGetChildren returns a possibly long-lived stream of children chunks,
// or forgeerr.KindNotFound if build is unknown locally.
func (c *Children) TryGetChildren(ctx context.Context, id ids.ID, arg Arg) (*Stream, error) {
	conn, err := c.st.Connection(ctx)
	if err != nil {
		return nil, err
	}

	count, err := childCount(ctx, conn, id)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !buildExists(ctx, conn, id) {
		conn.Close()
		return nil, forgeerr.Newf(forgeerr.KindNotFound, "build %s not found", id)
	}

	start, err := resolveStart(arg.Position, count)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	size := arg.Size
	if size <= 0 {
		size = defaultChunkSize
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan Chunk),
		errc:   make(chan error, 1),
		cancel: cancel,
	}

	if arg.Length != nil && *arg.Length == 0 {
		close(s.chunks)
		return s, nil
	}

	go c.run(streamCtx, id, start, size, arg.Length, arg.Timeout, s)
	return s, nil
}

// status, childPage, and count each acquire a store connection for the
// span of one query and release it immediately, rather than holding a
// connection across the tailing loop's notification waits — spec.md §5
// requires the store connection be released before any long wait.
func (c *Children) status(ctx context.Context, id ids.ID) (build.Status, error) {
	conn, err := c.st.Connection(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return buildStatus(ctx, conn, id)
}

func (c *Children) childPage(ctx context.Context, id ids.ID, position uint64, limit int) ([]ids.ID, error) {
	conn, err := c.st.Connection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return queryChildPage(ctx, conn, id, position, limit)
}

func (c *Children) count(ctx context.Context, id ids.ID) (int64, error) {
	conn, err := c.st.Connection(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return childCount(ctx, conn, id)
}

func (c *Children) run(ctx context.Context, id ids.ID, start uint64, size int, length *int64, timeout *time.Duration, s *Stream) {
	defer close(s.chunks)

	childrenNotify, unsubChildren, err := c.subscribe(ctx, id, messenger.SubjectChildrenSuffix)
	if err != nil {
		s.errc <- err
		return
	}
	defer unsubChildren()

	statusNotify, unsubStatus, err := c.subscribe(ctx, id, messenger.SubjectStatusSuffix)
	if err != nil {
		s.errc <- err
		return
	}
	defer unsubStatus()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if timeout != nil {
		t := time.NewTimer(*timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	position := start
	var emitted int64

	// Synthetic first event: return whatever is already persisted.
	woken := true
	for {
		if !woken {
			select {
			case <-childrenNotify:
			case <-statusNotify:
			case <-ticker.C:
			case <-timeoutCh:
				return
			case <-ctx.Done():
				return
			}
		}
		woken = false

		status, err := c.status(ctx, id)
		if err != nil {
			s.errc <- err
			return
		}

		for {
			remaining := size
			if length != nil {
				left := *length - emitted
				if left <= 0 {
					return
				}
				if left < int64(remaining) {
					remaining = int(left)
				}
			}

			items, err := c.childPage(ctx, id, position, remaining)
			if err != nil {
				s.errc <- err
				return
			}

			if len(items) > 0 {
				chunk := Chunk{Position: position, Items: items}
				select {
				case s.chunks <- chunk:
				case <-ctx.Done():
					return
				}
				position += uint64(len(items))
				emitted += int64(len(items))
			}

			if len(items) < remaining {
				count, err := c.count(ctx, id)
				if err != nil {
					s.errc <- err
					return
				}
				if status == build.StatusFinished && position >= uint64(count) {
					return
				}
				break
			}
		}
	}
}

func (c *Children) subscribe(ctx context.Context, id ids.ID, suffix string) (<-chan struct{}, func(), error) {
	if c.msgr == nil {
		ch := make(chan struct{})
		return ch, func() {}, nil
	}
	return c.msgr.Subscribe(ctx, subject(id, suffix))
}

func queryChildPage(ctx context.Context, conn store.Conn, id ids.ID, position uint64, limit int) ([]ids.ID, error) {
	rows, err := store.QueryAllValues(ctx, conn, `
		SELECT child FROM build_children WHERE build = `+conn.Placeholder(1)+`
		ORDER BY position LIMIT `+conn.Placeholder(2)+` OFFSET `+conn.Placeholder(3)+`
	`, []any{id.String(), limit, position}, func(rows *sql.Rows) (ids.ID, error) {
		var child string
		if err := rows.Scan(&child); err != nil {
			return ids.ID{}, err
		}
		return ids.ParseBuild(child)
	})
	return rows, err
}
