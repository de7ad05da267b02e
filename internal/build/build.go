// Package build implements the BuildStateMachine: the data model for
// builds, their lifecycle, and the status/outcome transition rules.
// Children and log chunks live in sibling packages (internal/children,
// internal/logstream) but share the same builds table and the same
// per-build write serialization this package's store.Conn provides.
package build

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/store"
	"github.com/schererja/forgebuild/internal/telemetry/logger"
)

// Status is a build's lifecycle stage. Status only ever advances in the
// order Created < Queued < Started < Finished.
type Status string

const (
	StatusCreated  Status = "Created"
	StatusQueued   Status = "Queued"
	StatusStarted  Status = "Started"
	StatusFinished Status = "Finished"
)

// rank gives Status a total order so transitions can be checked with a
// plain integer comparison.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusQueued:
		return 1
	case StatusStarted:
		return 2
	case StatusFinished:
		return 3
	default:
		return -1
	}
}

func (s Status) valid() bool { return s.rank() >= 0 }

// OutcomeKind classifies how a finished build ended.
type OutcomeKind string

const (
	OutcomeCanceled  OutcomeKind = "Canceled"
	OutcomeFailed    OutcomeKind = "Failed"
	OutcomeSucceeded OutcomeKind = "Succeeded"
)

// Outcome is the terminal result of a Finished build.
type Outcome struct {
	Kind  OutcomeKind     `json:"kind"`
	Error *OutcomeError   `json:"error,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// OutcomeError is the serializable projection of a forgeerr.Error stored
// inside a Failed outcome.
type OutcomeError struct {
	Kind    forgeerr.Kind `json:"kind"`
	Message string        `json:"message"`
}

func (e *OutcomeError) toError() error {
	if e == nil {
		return nil
	}
	return forgeerr.New(e.Kind, e.Message)
}

// RetryPolicy mirrors OutcomeKind's vocabulary but governs how a failed
// or canceled build should be retried by the scheduler (out of scope
// here; this subsystem only persists the chosen policy).
type RetryPolicy string

const (
	RetryCanceled  RetryPolicy = "Canceled"
	RetryFailed    RetryPolicy = "Failed"
	RetrySucceeded RetryPolicy = "Succeeded"
)

// Build is the persistent record of one unit of computation.
type Build struct {
	ID         ids.ID
	Host       string
	Target     ids.ID
	Status     Status
	Outcome    *Outcome
	Retry      RetryPolicy
	Log        *ids.ID
	Count      *int64
	Weight     *int64
	CreatedAt  time.Time
	QueuedAt   *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Complete   bool
}

// PutArg is the complete snapshot accepted by PutBuild, including the
// build's children closure (inserted atomically with the build row).
type PutArg struct {
	Build    Build
	Children []ids.ID
}

// Machine is the BuildStateMachine: lifecycle, transitions, outcome, and
// the atomic build+children upsert.
type Machine struct {
	st   store.Store
	msgr messenger.Messenger
	log  *logger.Logger
}

// New constructs a Machine over st, publishing wake notifications on
// msgr. log may be nil.
func New(st store.Store, msgr messenger.Messenger, log *logger.Logger) *Machine {
	return &Machine{st: st, msgr: msgr, log: log}
}

// PutBuild upserts a build and its full children snapshot atomically.
// Fails with forgeerr.KindInvalid if arg violates the status/outcome
// invariants.
func (m *Machine) PutBuild(ctx context.Context, arg PutArg) error {
	b := arg.Build
	if !b.Status.valid() {
		return forgeerr.Newf(forgeerr.KindInvalid, "unknown status %q", b.Status)
	}
	if (b.Status == StatusFinished) != (b.Outcome != nil) {
		return forgeerr.New(forgeerr.KindInvalid, "outcome must be present iff status is Finished")
	}
	if (b.Status == StatusFinished) != (b.FinishedAt != nil) {
		return forgeerr.New(forgeerr.KindInvalid, "finished_at must be present iff status is Finished")
	}
	if b.ID.IsZero() {
		return forgeerr.New(forgeerr.KindInvalid, "build id is required")
	}

	conn, err := m.st.Connection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	outcomeJSON, err := encodeOutcome(b.Outcome)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInvalid, "encode outcome", err)
	}

	return conn.SerializeBuildWrites(ctx, b.ID.String(), func(ctx context.Context, c store.Conn) error {
		if _, err := c.Exec(ctx, `
			INSERT INTO builds (id, complete, count, weight, host, target, status, outcome, retry, log, created_at, queued_at, started_at, finished_at)
			VALUES (`+placeholders(c, 14)+`)
			ON CONFLICT(id) DO UPDATE SET
				complete = excluded.complete, count = excluded.count, weight = excluded.weight,
				host = excluded.host, target = excluded.target, status = excluded.status,
				outcome = excluded.outcome, retry = excluded.retry, log = excluded.log,
				queued_at = excluded.queued_at, started_at = excluded.started_at, finished_at = excluded.finished_at
		`,
			b.ID.String(), b.Complete, b.Count, b.Weight, b.Host, b.Target.String(),
			string(b.Status), outcomeJSON, string(b.Retry), logValue(b.Log),
			formatTime(&b.CreatedAt), formatTime(b.QueuedAt), formatTime(b.StartedAt), formatTime(b.FinishedAt),
		); err != nil {
			return forgeerr.Wrap(forgeerr.KindUnavailable, "upsert build", err)
		}

		for i, child := range arg.Children {
			if _, err := c.Exec(ctx, `
				INSERT INTO build_children (build, position, child) VALUES (`+placeholders(c, 3)+`)
				ON CONFLICT(build, child) DO NOTHING
			`, b.ID.String(), i, child.String()); err != nil {
				return forgeerr.Wrap(forgeerr.KindUnavailable, "insert build child", err)
			}
		}
		return nil
	})
}

// GetBuild returns the build if known locally, or forgeerr.KindNotFound
// if not. Resolver is the caller responsible for falling back to remotes.
func (m *Machine) GetBuild(ctx context.Context, id ids.ID) (*Build, error) {
	conn, err := m.st.Connection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return getBuildLocal(ctx, conn, id)
}

func getBuildLocal(ctx context.Context, conn store.Conn, id ids.ID) (*Build, error) {
	return store.QueryOneValue(ctx, conn, `
		SELECT id, complete, count, weight, host, target, status, outcome, retry, log, created_at, queued_at, started_at, finished_at
		FROM builds WHERE id = `+conn.Placeholder(1),
		[]any{id.String()},
		scanBuild,
	)
}

// UpdateStatus transitions a build to new, rejecting regressions and
// skips to Finished (use Finish for that, since Finished requires an
// outcome). Publishes on builds.{id}.status on success.
func (m *Machine) UpdateStatus(ctx context.Context, id ids.ID, new Status) error {
	if new == StatusFinished {
		return forgeerr.New(forgeerr.KindInvalid, "use Finish to transition into Finished")
	}
	if !new.valid() {
		return forgeerr.Newf(forgeerr.KindInvalid, "unknown status %q", new)
	}

	conn, err := m.st.Connection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.SerializeBuildWrites(ctx, id.String(), func(ctx context.Context, c store.Conn) error {
		current, err := getBuildLocal(ctx, c, id)
		if err != nil {
			return err
		}
		if new.rank() <= current.Status.rank() {
			return forgeerr.Newf(forgeerr.KindInvalid, "cannot transition status %q -> %q", current.Status, new)
		}

		now := formatTimeNow()
		var timestampColumn string
		switch new {
		case StatusQueued:
			timestampColumn = "queued_at"
		case StatusStarted:
			timestampColumn = "started_at"
		}

		query := `UPDATE builds SET status = ` + c.Placeholder(1)
		args := []any{string(new)}
		if timestampColumn != "" {
			query += `, ` + timestampColumn + ` = ` + c.Placeholder(2)
			args = append(args, now)
		}
		query += ` WHERE id = ` + c.Placeholder(len(args) + 1)
		args = append(args, id.String())

		if _, err := c.Exec(ctx, query, args...); err != nil {
			return forgeerr.Wrap(forgeerr.KindUnavailable, "update build status", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(ctx, id, messenger.SubjectStatusSuffix)
	return nil
}

// Finish transitions a build to Finished and sets its outcome atomically.
// Publishes on builds.{id}.status on success.
func (m *Machine) Finish(ctx context.Context, id ids.ID, outcome Outcome) error {
	conn, err := m.st.Connection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	outcomeJSON, err := encodeOutcome(&outcome)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInvalid, "encode outcome", err)
	}

	err = conn.SerializeBuildWrites(ctx, id.String(), func(ctx context.Context, c store.Conn) error {
		current, err := getBuildLocal(ctx, c, id)
		if err != nil {
			return err
		}
		if current.Status == StatusFinished {
			return forgeerr.New(forgeerr.KindConflict, "build is already finished")
		}

		now := formatTimeNow()
		if _, err := c.Exec(ctx, `
			UPDATE builds SET status = `+c.Placeholder(1)+`, outcome = `+c.Placeholder(2)+`, finished_at = `+c.Placeholder(3)+`
			WHERE id = `+c.Placeholder(4),
			string(StatusFinished), outcomeJSON, now, id.String(),
		); err != nil {
			return forgeerr.Wrap(forgeerr.KindUnavailable, "set build outcome", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(ctx, id, messenger.SubjectStatusSuffix)
	return nil
}

func (m *Machine) publish(ctx context.Context, id ids.ID, suffix string) {
	if m.msgr == nil {
		return
	}
	// Publish failures never roll back the state change that already
	// committed; they only cost subscribers a wake-up, covered by the
	// periodic tick in internal/children and internal/logstream.
	if err := m.msgr.Publish(ctx, subject(id, suffix), nil); err != nil {
		m.log.WithBuild(id.String()).WarnContext(ctx, "publish build notification failed", slog.String("subject", suffix), slog.String("error", err.Error()))
	}
}

func subject(id ids.ID, suffix string) string {
	return "builds." + id.String() + "." + suffix
}

func placeholders(c store.Conn, n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += c.Placeholder(i)
	}
	return out
}

func logValue(id *ids.ID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimeNow() string {
	return nowFunc().UTC().Format(time.RFC3339)
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

func encodeOutcome(o *Outcome) (any, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeOutcome(raw sql.NullString) (*Outcome, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var o Outcome
	if err := json.Unmarshal([]byte(raw.String), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanBuild(row *sql.Row) (*Build, error) {
	var (
		id, host, target, status, retry               string
		complete                                       bool
		count, weight                                  sql.NullInt64
		outcome, log, queuedAt, startedAt, finishedAt   sql.NullString
		createdAtRaw                                    string
	)
	if err := row.Scan(&id, &complete, &count, &weight, &host, &target, &status, &outcome, &retry, &log, &createdAtRaw, &queuedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	return assembleBuild(id, complete, count, weight, host, target, status, outcome, retry, log, createdAtRaw, queuedAt, startedAt, finishedAt)
}

func assembleBuild(id string, complete bool, count, weight sql.NullInt64, host, target, status string, outcome sql.NullString, retry string, log sql.NullString, createdAtRaw string, queuedAt, startedAt, finishedAt sql.NullString) (*Build, error) {
	buildID, err := ids.ParseBuild(id)
	if err != nil {
		return nil, err
	}
	targetID, err := ids.ParseArtifact(target)
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtRaw)
	if err != nil {
		return nil, err
	}
	o, err := decodeOutcome(outcome)
	if err != nil {
		return nil, err
	}

	b := &Build{
		ID:        buildID,
		Host:      host,
		Target:    targetID,
		Status:    Status(status),
		Outcome:   o,
		Retry:     RetryPolicy(retry),
		CreatedAt: createdAt,
		Complete:  complete,
	}
	if count.Valid {
		v := count.Int64
		b.Count = &v
	}
	if weight.Valid {
		v := weight.Int64
		b.Weight = &v
	}
	if log.Valid {
		logID, err := ids.ParseArtifact(log.String)
		if err != nil {
			return nil, err
		}
		b.Log = &logID
	}
	if queuedAt.Valid {
		t, err := time.Parse(time.RFC3339, queuedAt.String)
		if err != nil {
			return nil, err
		}
		b.QueuedAt = &t
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339, startedAt.String)
		if err != nil {
			return nil, err
		}
		b.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, err
		}
		b.FinishedAt = &t
	}
	return b, nil
}
