package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/taskclaim/internal/domain"
)

var (
	// ErrNotFound means no task has the given id.
	ErrNotFound = errors.New("storage: task not found")
	// ErrLockMismatch means the task exists but is not locked by the caller
	// or its lock already expired.
	ErrLockMismatch = errors.New("storage: lock not held")
	// ErrNotLockable means the task is not queued and due.
	ErrNotLockable = errors.New("storage: task not lockable")
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

type InsertTaskParams struct {
	Topic       string
	Payload     []byte
	RunAt       time.Time
	MaxAttempts int
}

// TaskRecord is the persisted view of a task.
type TaskRecord struct {
	ID            string
	Topic         string
	Payload       json.RawMessage
	Status        domain.Status
	WorkerID      *string
	LockExpiresAt *time.Time
	Attempt       int
	MaxAttempts   int
	RunAt         time.Time
	Result        json.RawMessage
	LastError     *domain.TaskError
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FailResult tells the caller where a failed task went.
type FailResult struct {
	Topic  string
	Status domain.Status
	RunAt  time.Time
}

// Requeued is a task whose expired lock was released.
type Requeued struct {
	ID     string
	Topic  string
	Status domain.Status
}

// InsertTask persists a queued task (source of truth) and returns its id.
func (s *Store) InsertTask(ctx context.Context, p *InsertTaskParams) (string, error) {
	id := uuid.NewString()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := s.db.Exec(ctx, `insert into tasks(
id, topic, payload, status, attempt, max_attempts, run_at
) values ($1,$2,$3,'queued',0,$4,$5)`,
		id, p.Topic, payload, p.MaxAttempts, p.RunAt,
	)
	return id, errors.Wrap(err, "insert task")
}

// Lock claims a queued, due task for workerID for d.
func (s *Store) Lock(ctx context.Context, id, workerID string, d time.Duration) (domain.Task, error) {
	if !validID(id) {
		return domain.Task{}, ErrNotFound
	}
	var t domain.Task
	err := s.db.QueryRow(ctx, `update tasks
   set status = 'locked',
       worker_id = $2,
       lock_expires_at = now() + make_interval(secs => $3),
       attempt = attempt + 1,
       updated_at = now()
 where id = $1 and status = 'queued' and run_at <= now()
 returning id, topic, payload, worker_id, lock_expires_at, attempt`,
		id, workerID, d.Seconds(),
	).Scan(&t.ID, &t.Topic, &t.Payload, &t.WorkerID, &t.LockExpiresAt, &t.Attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		if exists, xerr := s.exists(ctx, id); xerr != nil {
			return t, xerr
		} else if !exists {
			return t, ErrNotFound
		}
		return t, ErrNotLockable
	}
	return t, errors.Wrap(err, "lock task")
}

// ExtendLock moves the lock of a task held by workerID to now()+d.
func (s *Store) ExtendLock(ctx context.Context, id, workerID string, d time.Duration) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `update tasks
   set lock_expires_at = now() + make_interval(secs => $3),
       updated_at = now()
 where id = $1 and status = 'locked' and worker_id = $2 and lock_expires_at > now()`,
		id, workerID, d.Seconds(),
	)
	if err != nil {
		return errors.Wrap(err, "extend lock")
	}
	if tag.RowsAffected() == 0 {
		return s.miss(ctx, id)
	}
	return nil
}

// Complete marks a task held by workerID as completed with result.
func (s *Store) Complete(ctx context.Context, id, workerID string, result []byte) error {
	if !validID(id) {
		return ErrNotFound
	}
	if len(result) == 0 {
		result = []byte(`null`)
	}
	tag, err := s.db.Exec(ctx, `update tasks
   set status = 'completed',
       result = $3,
       lock_expires_at = null,
       updated_at = now()
 where id = $1 and status = 'locked' and worker_id = $2 and lock_expires_at > now()`,
		id, workerID, result,
	)
	if err != nil {
		return errors.Wrap(err, "complete task")
	}
	if tag.RowsAffected() == 0 {
		return s.miss(ctx, id)
	}
	return nil
}

// Fail records taskErr for a task held by workerID. The task is queued again
// after an exponential delay while attempts remain, otherwise it is failed.
func (s *Store) Fail(ctx context.Context, id, workerID string, taskErr domain.TaskError) (FailResult, error) {
	if !validID(id) {
		return FailResult{}, ErrNotFound
	}
	var res FailResult
	errJSON, err := json.Marshal(taskErr)
	if err != nil {
		return res, errors.Wrap(err, "encode task error")
	}
	var status string
	err = s.db.QueryRow(ctx, `update tasks
   set status = case when attempt < max_attempts then 'queued' else 'failed' end,
       run_at = case when attempt < max_attempts
                     then now() + make_interval(secs => least(power(2, attempt), 3600))
                     else run_at end,
       worker_id = null,
       lock_expires_at = null,
       last_error = $3,
       updated_at = now()
 where id = $1 and status = 'locked' and worker_id = $2 and lock_expires_at > now()
 returning topic, status, run_at`,
		id, workerID, errJSON,
	).Scan(&res.Topic, &status, &res.RunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, s.miss(ctx, id)
	}
	if err != nil {
		return res, errors.Wrap(err, "fail task")
	}
	res.Status = domain.Status(status)
	return res, nil
}

// RequeueExpired releases up to batch expired locks. Tasks with attempts
// left go back to queued, the rest end as lock_expired.
func (s *Store) RequeueExpired(ctx context.Context, batch int) ([]Requeued, error) {
	rows, err := s.db.Query(ctx, `update tasks
   set status = case when attempt < max_attempts then 'queued' else 'lock_expired' end,
       worker_id = null,
       lock_expires_at = null,
       run_at = now(),
       updated_at = now()
 where id in (
   select id from tasks
    where status = 'locked' and lock_expires_at < now()
    order by lock_expires_at
    limit $1
    for update skip locked)
 returning id, topic, status`, batch)
	if err != nil {
		return nil, errors.Wrap(err, "requeue expired")
	}
	defer rows.Close()

	var out []Requeued
	for rows.Next() {
		var (
			rq     Requeued
			status string
		)
		if err := rows.Scan(&rq.ID, &rq.Topic, &status); err != nil {
			return nil, errors.Wrap(err, "scan requeued")
		}
		rq.Status = domain.Status(status)
		out = append(out, rq)
	}
	return out, errors.Wrap(rows.Err(), "requeue expired")
}

// Get returns the task with id.
func (s *Store) Get(ctx context.Context, id string) (*TaskRecord, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var (
		rec     TaskRecord
		status  string
		lastErr []byte
	)
	err := s.db.QueryRow(ctx, `select id, topic, payload, status, worker_id, lock_expires_at,
       attempt, max_attempts, run_at, result, last_error, created_at, updated_at
  from tasks where id = $1`, id,
	).Scan(&rec.ID, &rec.Topic, &rec.Payload, &status, &rec.WorkerID, &rec.LockExpiresAt,
		&rec.Attempt, &rec.MaxAttempts, &rec.RunAt, &rec.Result, &lastErr, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	rec.Status = domain.Status(status)
	if len(lastErr) > 0 {
		var te domain.TaskError
		if err := json.Unmarshal(lastErr, &te); err == nil {
			rec.LastError = &te
		}
	}
	return &rec, nil
}

// TryLeadership takes the session advisory lock key on a dedicated
// connection. The caller holds leadership until it releases the returned
// connection; a nil connection means another session is leader.
func (s *Store) TryLeadership(ctx context.Context, key int64) (*pgxpool.Conn, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire conn")
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, nil
	}
	return conn, nil
}

// validID reports whether id can name a task row. Task ids are uuids, so
// anything else is unknown by construction.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `select exists(select 1 from tasks where id = $1)`, id).Scan(&ok)
	return ok, errors.Wrap(err, "task exists")
}

// miss explains why a guarded update touched no row.
func (s *Store) miss(ctx context.Context, id string) error {
	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLockMismatch
}
