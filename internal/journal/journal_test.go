package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/scrapehook/internal/task"
)

type call struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls   []call
	execErr error
	row     pgx.Row
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, call{sql: sql, args: args})
	return f.row
}

type rowFunc func(dest ...any) error

func (r rowFunc) Scan(dest ...any) error { return r(dest...) }

func TestTransitions(t *testing.T) {
	db := &fakeDB{}
	j := New(db)
	ctx := context.Background()
	tk := task.New("12345678-5", "secret-pw", "http://hook", "cmf")

	require.NoError(t, j.Queued(ctx, tk, "run-1"))
	require.NoError(t, j.Started(ctx, tk, 1))
	tk.RecordFailure()
	require.NoError(t, j.Retrying(ctx, tk, "login failed"))
	require.NoError(t, j.Started(ctx, tk, 2))
	require.NoError(t, j.Succeeded(ctx, tk))
	require.NoError(t, j.Dead(ctx, tk, "boom"))

	require.Len(t, db.calls, 6)
	assert.Contains(t, db.calls[0].sql, "INSERT INTO scrapehook.tasks")
	assert.Equal(t, []any{tk.TaskID, "cmf", "http://hook", 0, 3, "run-1"}, db.calls[0].args)
	assert.Equal(t, []any{tk.TaskID, 1}, db.calls[1].args)
	assert.Contains(t, db.calls[2].sql, "status='retrying'")
	assert.Equal(t, []any{tk.TaskID, 1, "login failed"}, db.calls[2].args)
	assert.Contains(t, db.calls[4].sql, "status='succeeded'")
	assert.Contains(t, db.calls[5].sql, "status='dead'")

	for _, c := range db.calls {
		for _, a := range c.args {
			assert.NotEqual(t, "secret-pw", a, "secret must not reach the journal")
		}
	}
}

func TestExecErrorWrapped(t *testing.T) {
	boom := errors.New("conn reset")
	j := New(&fakeDB{execErr: boom})

	err := j.Succeeded(context.Background(), task.New("u", "p", "http://h", "afc"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, strings.HasPrefix(err.Error(), "journal succeeded:"))
}

func TestGet(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lastErr := "timeout"
	db := &fakeDB{row: rowFunc(func(dest ...any) error {
		*dest[0].(*string) = "t1"
		*dest[1].(*string) = "sii"
		*dest[2].(*string) = "http://hook"
		*dest[3].(*string) = StatusRetrying
		*dest[4].(*int) = 2
		*dest[5].(*int) = 1
		*dest[6].(*int) = 3
		*dest[7].(**string) = &lastErr
		*dest[8].(**string) = nil
		*dest[9].(*time.Time) = created
		*dest[10].(*time.Time) = created
		*dest[11].(**time.Time) = nil
		return nil
	})}

	rec, err := New(db).Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, &Record{
		TaskID:      "t1",
		JobType:     "sii",
		CallbackURL: "http://hook",
		Status:      StatusRetrying,
		Attempts:    2,
		Retries:     1,
		MaxRetries:  3,
		LastError:   "timeout",
		CreatedAt:   created,
		UpdatedAt:   created,
	}, rec)
	assert.Equal(t, []any{"t1"}, db.calls[0].args)
}

func TestGetNotFound(t *testing.T) {
	db := &fakeDB{row: rowFunc(func(...any) error { return pgx.ErrNoRows })}
	_, err := New(db).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNop(t *testing.T) {
	var n Nop
	ctx := context.Background()
	tk := task.New("u", "p", "http://h", "cmf")

	assert.NoError(t, n.Queued(ctx, tk, ""))
	assert.NoError(t, n.Started(ctx, tk, 1))
	assert.NoError(t, n.Retrying(ctx, tk, "x"))
	assert.NoError(t, n.Succeeded(ctx, tk))
	assert.NoError(t, n.Dead(ctx, tk, "x"))
	_, err := n.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrDisabled)
}
