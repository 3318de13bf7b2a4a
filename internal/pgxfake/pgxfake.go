// Package pgxfake provides in-memory stand-ins for the narrow pgx surfaces
// the stores depend on. Tests script responses per SQL statement.
package pgxfake

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotScripted = errors.New("pgxfake: statement not scripted")

// Call is one recorded statement.
type Call struct {
	SQL  string
	Args []any
}

// DB implements Exec/QueryRow/Query/Begin. Each hook is optional; an unset
// hook returns a benign default (EXEC 1, ErrNoRows, empty rows).
type DB struct {
	mu         sync.Mutex
	Calls      []Call
	ExecFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	QueryRowFn func(sql string, args ...any) pgx.Row
	QueryFn    func(sql string, args ...any) (pgx.Rows, error)
	BeginErr   error
	CommitErr  error
	Commits    int
	Rollbacks  int
}

func (d *DB) record(sql string, args []any) {
	d.mu.Lock()
	d.Calls = append(d.Calls, Call{SQL: sql, Args: args})
	d.mu.Unlock()
}

// Executed reports whether any recorded statement contains fragment.
func (d *DB) Executed(fragment string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.Calls {
		if strings.Contains(c.SQL, fragment) {
			return true
		}
	}
	return false
}

// Last returns the most recent call containing fragment.
func (d *DB) Last(fragment string) (Call, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.Calls) - 1; i >= 0; i-- {
		if strings.Contains(d.Calls[i].SQL, fragment) {
			return d.Calls[i], true
		}
	}
	return Call{}, false
}

func (d *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.record(sql, args)
	if d.ExecFn != nil {
		return d.ExecFn(sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (d *DB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.record(sql, args)
	if d.QueryRowFn != nil {
		return d.QueryRowFn(sql, args...)
	}
	return Row{Err: pgx.ErrNoRows}
}

func (d *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.record(sql, args)
	if d.QueryFn != nil {
		return d.QueryFn(sql, args...)
	}
	return &Rows{}, nil
}

func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	return &Tx{db: d}, nil
}

// Tx routes statements back to its DB so one script covers both paths.
type Tx struct {
	db   *DB
	done bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	if t.db.CommitErr != nil {
		return t.db.CommitErr
	}
	if !t.done {
		t.done = true
		t.db.mu.Lock()
		t.db.Commits++
		t.db.mu.Unlock()
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Lock()
	t.db.Rollbacks++
	t.db.mu.Unlock()
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, ErrNotScripted
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, ErrNotScripted
}
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Row scans Values into destinations by assignment.
type Row struct {
	Values []any
	Err    error
}

func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	return assign(r.Values, dest)
}

// Rows iterates Data.
type Rows struct {
	Data   [][]any
	ErrVal error
	i      int
	closed bool
}

func (r *Rows) Close()                                       { r.closed = true }
func (r *Rows) Err() error                                   { return r.ErrVal }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) Next() bool {
	if r.closed || r.i >= len(r.Data) {
		return false
	}
	r.i++
	return true
}
func (r *Rows) Scan(dest ...any) error {
	if r.i == 0 || r.i > len(r.Data) {
		return errors.New("pgxfake: scan without row")
	}
	return assign(r.Data[r.i-1], dest)
}
func (r *Rows) Values() ([]any, error) {
	if r.i == 0 || r.i > len(r.Data) {
		return nil, errors.New("pgxfake: no row")
	}
	return r.Data[r.i-1], nil
}
func (r *Rows) RawValues() [][]byte { return nil }
func (r *Rows) Conn() *pgx.Conn     { return nil }

func assign(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("pgxfake: scan arity %d != %d", len(dest), len(values))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("pgxfake: dest %d not a pointer", i)
		}
		target := dv.Elem()
		if values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(values[i])
		switch {
		case v.Type().AssignableTo(target.Type()):
			target.Set(v)
		case target.Kind() == reflect.Pointer && v.Type().AssignableTo(target.Type().Elem()):
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(v)
			target.Set(p)
		case v.Type().ConvertibleTo(target.Type()):
			target.Set(v.Convert(target.Type()))
		default:
			return fmt.Errorf("pgxfake: cannot scan %T into %s", values[i], target.Type())
		}
	}
	return nil
}
