// Package logstream implements the LogStream: the append-only byte log
// for a build, tailed with the same seek/length/size/timeout contract as
// internal/children but addressed by byte offset instead of item count.
package logstream

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
	defaultChunkBytes = 64 * 1024
	tickInterval      = 60 * time.Second
)

// SeekKind is the position-seek mode of a log read.
type SeekKind int

const (
	FromStart SeekKind = iota
	FromEnd
	FromCurrent
)

// Position is a seek request over byte offsets, interpreted against the
// log's total size at the moment the stream starts.
type Position struct {
	Kind  SeekKind
	Value int64
}

// Arg configures a log read. The zero value tails from now with the
// default chunk size and no length or timeout bound.
type Arg struct {
	Position *Position
	Length   *int64
	Size     int
	Timeout  *time.Duration
}

// Chunk is one contiguous byte run starting at an absolute offset.
type Chunk struct {
	Position uint64
	Bytes    []byte
}

// Logs is the LogStream component.
type Logs struct {
	st   store.Store
	msgr messenger.Messenger
	log  *logger.Logger
}

// New constructs a Logs stream component. log may be nil.
func New(st store.Store, msgr messenger.Messenger, log *logger.Logger) *Logs {
	return &Logs{st: st, msgr: msgr, log: log}
}

// AddLog appends bytes at the current end of build's log. Returns
// forgeerr.KindNotFound if build is unknown locally. Publishes on
// builds.{build}.log on success.
func (l *Logs) AddLog(ctx context.Context, id ids.ID, bytes []byte) error {
	conn, err := l.st.Connection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.SerializeBuildWrites(ctx, id.String(), func(ctx context.Context, tx store.Conn) error {
		if !buildExists(ctx, tx, id) {
			return forgeerr.Newf(forgeerr.KindNotFound, "build %s not found", id)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO build_logs (build, position, bytes)
			VALUES (`+tx.Placeholder(1)+`, (SELECT COALESCE(MAX(position + LENGTH(bytes)), 0) FROM build_logs WHERE build = `+tx.Placeholder(2)+`), `+tx.Placeholder(3)+`)
		`, id.String(), id.String(), bytes)
		if err != nil {
			return forgeerr.Wrap(forgeerr.KindUnavailable, "append build log", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if l.msgr != nil {
		if err := l.msgr.Publish(ctx, subject(id, messenger.SubjectLogSuffix), nil); err != nil {
			l.log.WithBuild(id.String()).WarnContext(ctx, "publish build notification failed", slog.String("subject", messenger.SubjectLogSuffix), slog.String("error", err.Error()))
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

// logSize returns the current total byte length of build's log: the end
// position of its last chunk.
func logSize(ctx context.Context, conn store.Conn, id ids.ID) (int64, error) {
	return store.QueryOneValue(ctx, conn, `
		SELECT COALESCE(MAX(position + LENGTH(bytes)), 0) FROM build_logs WHERE build = `+conn.Placeholder(1),
		[]any{id.String()}, func(row *sql.Row) (int64, error) {
			var n int64
			err := row.Scan(&n)
			return n, err
		})
}

func subject(id ids.ID, suffix string) string {
	return "builds." + id.String() + "." + suffix
}

func resolveStart(pos *Position, size int64) (uint64, error) {
	if pos == nil {
		return uint64(size), nil
	}
	var abs int64
	switch pos.Kind {
	case FromStart:
		abs = pos.Value
	case FromEnd, FromCurrent:
		abs = size + pos.Value
	default:
		return 0, forgeerr.Newf(forgeerr.KindInvalid, "unknown seek kind %d", pos.Kind)
	}
	if abs < 0 {
		return 0, forgeerr.New(forgeerr.KindInvalid, "seek position out of range")
	}
	return uint64(abs), nil
}

// Stream is a live, tailing read of a build's log.
type Stream struct {
	chunks chan Chunk
	errc   chan error
	cancel context.CancelFunc
}

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

// StaticStream wraps already-materialized log bytes (as fetched from a
// remote) as a one-chunk Stream that completes immediately.
func StaticStream(bytes []byte) *Stream {
	s := &Stream{chunks: make(chan Chunk, 1), errc: make(chan error, 1), cancel: func() {}}
	if len(bytes) > 0 {
		s.chunks <- Chunk{Position: 0, Bytes: bytes}
	}
	close(s.chunks)
	return s
}

// TryGetLog returns a possibly long-lived stream of log chunks, or
// forgeerr.KindNotFound if build is unknown locally.
func (l *Logs) TryGetLog(ctx context.Context, id ids.ID, arg Arg) (*Stream, error) {
	conn, err := l.st.Connection(ctx)
	if err != nil {
		return nil, err
	}

	if !buildExists(ctx, conn, id) {
		conn.Close()
		return nil, forgeerr.Newf(forgeerr.KindNotFound, "build %s not found", id)
	}

	size, err := logSize(ctx, conn, id)
	if err != nil {
		conn.Close()
		return nil, err
	}

	start, err := resolveStart(arg.Position, size)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	chunkSize := arg.Size
	if chunkSize <= 0 {
		chunkSize = defaultChunkBytes
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

	go l.run(streamCtx, id, start, chunkSize, arg.Length, arg.Timeout, s)
	return s, nil
}

// status, window, and size each acquire a store connection for the span
// of one query and release it immediately, rather than holding a
// connection across the tailing loop's notification waits — spec.md §5
// requires the store connection be released before any long wait.
func (l *Logs) status(ctx context.Context, id ids.ID) (build.Status, error) {
	conn, err := l.st.Connection(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return buildStatus(ctx, conn, id)
}

func (l *Logs) window(ctx context.Context, id ids.ID, position uint64, maxBytes int) ([]byte, error) {
	conn, err := l.st.Connection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return readLogWindow(ctx, conn, id, position, maxBytes)
}

func (l *Logs) size(ctx context.Context, id ids.ID) (int64, error) {
	conn, err := l.st.Connection(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return logSize(ctx, conn, id)
}

func (l *Logs) run(ctx context.Context, id ids.ID, start uint64, chunkSize int, length *int64, timeout *time.Duration, s *Stream) {
	defer close(s.chunks)

	logNotify, unsubLog, err := l.subscribe(ctx, id, messenger.SubjectLogSuffix)
	if err != nil {
		s.errc <- err
		return
	}
	defer unsubLog()

	statusNotify, unsubStatus, err := l.subscribe(ctx, id, messenger.SubjectStatusSuffix)
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
	woken := true

	for {
		if !woken {
			select {
			case <-logNotify:
			case <-statusNotify:
			case <-ticker.C:
			case <-timeoutCh:
				return
			case <-ctx.Done():
				return
			}
		}
		woken = false

		status, err := l.status(ctx, id)
		if err != nil {
			s.errc <- err
			return
		}

		for {
			want := chunkSize
			if length != nil {
				left := *length - emitted
				if left <= 0 {
					return
				}
				if left < int64(want) {
					want = int(left)
				}
			}

			bytes, err := l.window(ctx, id, position, want)
			if err != nil {
				s.errc <- err
				return
			}

			if len(bytes) > 0 {
				chunk := Chunk{Position: position, Bytes: bytes}
				select {
				case s.chunks <- chunk:
				case <-ctx.Done():
					return
				}
				position += uint64(len(bytes))
				emitted += int64(len(bytes))
			}

			if len(bytes) < want {
				size, err := l.size(ctx, id)
				if err != nil {
					s.errc <- err
					return
				}
				if status == build.StatusFinished && position >= uint64(size) {
					return
				}
				break
			}
		}
	}
}

func (l *Logs) subscribe(ctx context.Context, id ids.ID, suffix string) (<-chan struct{}, func(), error) {
	if l.msgr == nil {
		ch := make(chan struct{})
		return ch, func() {}, nil
	}
	return l.msgr.Subscribe(ctx, subject(id, suffix))
}

// readLogWindow returns up to maxBytes of log content starting at
// position by concatenating stored chunks, trimming the first and last
// to fit the requested window exactly.
func readLogWindow(ctx context.Context, conn store.Conn, id ids.ID, position uint64, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, nil
	}

	type row struct {
		position int64
		bytes    []byte
	}
	rows, err := store.QueryAllValues(ctx, conn, `
		SELECT position, bytes FROM build_logs WHERE build = `+conn.Placeholder(1)+` AND position + LENGTH(bytes) > `+conn.Placeholder(2)+`
		ORDER BY position
	`, []any{id.String(), position}, func(rs *sql.Rows) (row, error) {
		var r row
		err := rs.Scan(&r.position, &r.bytes)
		return r, err
	})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, maxBytes)
	for _, r := range rows {
		chunkStart := uint64(r.position)
		chunk := r.bytes
		if chunkStart < position {
			skip := position - chunkStart
			if skip >= uint64(len(chunk)) {
				continue
			}
			chunk = chunk[skip:]
		}
		remaining := maxBytes - len(out)
		if remaining <= 0 {
			break
		}
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
		if len(out) >= maxBytes {
			break
		}
	}
	return out, nil
}
