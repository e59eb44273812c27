package server

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type beginnerFunc func(ctx context.Context) (pgx.Tx, error)

func (f beginnerFunc) Begin(ctx context.Context) (pgx.Tx, error) { return f(ctx) }

type stubQueryRower struct {
	row pgx.Row
}

func (s stubQueryRower) QueryRow(context.Context, string, ...any) pgx.Row { return s.row }

type stubRow struct {
	vals []any
	err  error
}

func (r *stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return errors.New("stubRow: dest len mismatch")
	}
	for i, d := range dest {
		switch out := d.(type) {
		case *string:
			*out = r.vals[i].(string)
		case *int:
			*out = r.vals[i].(int)
		case *int64:
			*out = r.vals[i].(int64)
		case *bool:
			*out = r.vals[i].(bool)
		case *time.Time:
			*out = r.vals[i].(time.Time)
		case **time.Time:
			if r.vals[i] == nil {
				*out = nil
			} else {
				*out = r.vals[i].(*time.Time)
			}
		default:
			return errors.New("stubRow: unsupported dest type")
		}
	}
	return nil
}

type fakeRows struct {
	vals [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.vals) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	row := stubRow{vals: r.vals[r.idx-1]}
	return row.Scan(dest...)
}
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

// stubTx satisfies pgx.Tx for stores that run Exec + one Query/QueryRow
// inside a transaction. It records SQL and args for assertions.
type stubTx struct {
	execErr   error
	queryErr  error
	commitErr error

	rows pgx.Rows
	row  pgx.Row

	execSQLs  []string
	execArgs  [][]any
	querySQL  string
	queryArgs []any
}

func (t *stubTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *stubTx) Commit(context.Context) error          { return t.commitErr }
func (t *stubTx) Rollback(context.Context) error        { return nil }
func (t *stubTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *stubTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *stubTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *stubTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *stubTx) Conn() *pgx.Conn { return nil }

func (t *stubTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQLs = append(t.execSQLs, sql)
	t.execArgs = append(t.execArgs, args)
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func (t *stubTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.querySQL = sql
	t.queryArgs = args
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	if t.rows == nil {
		return &fakeRows{}, nil
	}
	return t.rows, nil
}

func (t *stubTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.querySQL = sql
	t.queryArgs = args
	if t.row == nil {
		return &stubRow{err: pgx.ErrNoRows}
	}
	return t.row
}

func newStubBeginner(tx *stubTx) beginnerFunc {
	return func(context.Context) (pgx.Tx, error) { return tx, nil }
}
