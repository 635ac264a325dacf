package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Scripted in-memory stand-ins for the PgxPool surface. Each call pops
// the next scripted step of its kind; an empty script answers Exec with
// success and queries with no rows, which keeps schema setup out of the
// way of the behavior under test.

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("fake row: %d dests for %d values", len(dest), len(r.vals))
	}
	for i, v := range r.vals {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

func assign(dst, src any) error {
	switch d := dst.(type) {
	case *int64:
		*d = src.(int64)
	case *int32:
		*d = src.(int32)
	case *string:
		*d = src.(string)
	case *[]byte:
		*d = append([]byte(nil), src.([]byte)...)
	default:
		return fmt.Errorf("fake row: unsupported dest %T", dst)
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return fakeRow{vals: r.rows[r.pos-1]}.Scan(dest...)
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type execStep struct {
	tag pgconn.CommandTag
	err error
}

type queryRowStep struct {
	row fakeRow
}

type queryStep struct {
	rows *fakeRows
	err  error
}

type fakePool struct {
	mu        sync.Mutex
	execs     []execStep
	queryRows []queryRowStep
	queries   []queryStep
	tx        *fakeTx

	execSQL     []string
	queryRowSQL []string
	querySQL    []string
}

func okTag(n int64) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execSQL = append(p.execSQL, sql)
	if len(p.execs) == 0 {
		return okTag(1), nil
	}
	step := p.execs[0]
	p.execs = p.execs[1:]
	return step.tag, step.err
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryRowSQL = append(p.queryRowSQL, sql)
	if len(p.queryRows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	step := p.queryRows[0]
	p.queryRows = p.queryRows[1:]
	return step.row
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.querySQL = append(p.querySQL, sql)
	if len(p.queries) == 0 {
		return &fakeRows{}, nil
	}
	step := p.queries[0]
	p.queries = p.queries[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.rows, nil
}

func (p *fakePool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if p.tx == nil {
		return nil, fmt.Errorf("fake pool: no transaction scripted")
	}
	return p.tx, nil
}

// fakeTx records commit/rollback and delegates statements to its own
// scripted steps.
type fakeTx struct {
	pool       fakePool
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return nil, fmt.Errorf("not supported") }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, fmt.Errorf("not supported")
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, fmt.Errorf("not supported")
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }
