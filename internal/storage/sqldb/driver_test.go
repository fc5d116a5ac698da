package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (o operationType) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[o]
}

// scriptedOp 描述驱动预期收到的一次调用及其返回。
type scriptedOp struct {
	typ    operationType
	query  string
	result scriptedResult
	rows   scriptedRows
	err    error
}

type scriptedResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r scriptedResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r scriptedResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type scriptedRows struct {
	columns []string
	values  [][]driver.Value
}

// scriptDriver 按顺序回放预先编排的数据库调用，并记录每次调用的参数。
type scriptDriver struct {
	ops  []scriptedOp
	idx  int32
	mu   sync.Mutex
	args [][]driver.Value
}

var driverSeq atomic.Int32

func newScriptedDB(t *testing.T, dialect Dialect, ops ...scriptedOp) (*DB, *scriptDriver) {
	t.Helper()

	drv := &scriptDriver{ops: ops}
	name := fmt.Sprintf("scripted-sql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return New(db, dialect), drv
}

func execOp(query string, result scriptedResult) scriptedOp {
	return scriptedOp{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows scriptedRows) scriptedOp {
	return scriptedOp{typ: opQuery, query: query, rows: rows}
}

func beginOp() scriptedOp { return scriptedOp{typ: opBegin} }

func commitOp() scriptedOp { return scriptedOp{typ: opCommit} }

func rollbackOp() scriptedOp { return scriptedOp{typ: opRollback} }

func (d *scriptDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *scriptDriver) argsAt(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.args[i]
}

func (d *scriptDriver) Open(string) (driver.Conn, error) {
	return &scriptConn{driver: d}, nil
}

func (d *scriptDriver) next(expected operationType, query string, args []driver.NamedValue) (*scriptedOp, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %v: %s", expected, query)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v (%s)", op.typ, expected, query)
	}
	atomic.AddInt32(&d.idx, 1)
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	d.mu.Lock()
	d.args = append(d.args, values)
	d.mu.Unlock()
	if op.query != "" {
		if want, got := normalizeSQL(op.query), normalizeSQL(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, op.err
}

type scriptConn struct {
	driver *scriptDriver
}

func (c *scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *scriptConn) Close() error { return nil }

func (c *scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.driver.next(opBegin, "", nil); err != nil {
		return nil, err
	}
	return &scriptTx{driver: c.driver}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c *scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *scriptConn) Ping(context.Context) error { return nil }

type scriptTx struct {
	driver *scriptDriver
}

func (t *scriptTx) Commit() error {
	_, err := t.driver.next(opCommit, "", nil)
	return err
}

func (t *scriptTx) Rollback() error {
	_, err := t.driver.next(opRollback, "", nil)
	return err
}

type scriptRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
