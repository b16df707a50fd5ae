// Package transport adapts the pgx/v5 driver (pgconn + pgproto3) to the
// minimal facade the replication engine needs: connect, exec, and the
// raw CopyBoth primitives (get/put copy data, flush), mirroring the
// libpq facade spec §6 describes (PQgetCopyData's -2/-1/0/n>0 return
// convention, PQputCopyData, PQflush).
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/isdaniel/replication-checker/internal/replication/errs"
)

// Result is the facade's view of a command's outcome: whether it
// succeeded, and any rows it returned (IDENTIFY_SYSTEM and
// CREATE_REPLICATION_SLOT both return exactly one row of string
// fields; ordinary DDL/COMMAND results return zero rows but OK=true).
type Result struct {
	OK     bool
	Fields []string
	Rows   [][]string
}

// RowCount reports how many rows this result carries.
func (r *Result) RowCount() int {
	return len(r.Rows)
}

// FieldCount reports how many columns this result's rows carry.
func (r *Result) FieldCount() int {
	return len(r.Fields)
}

// GetValue returns the UTF-8 value at (row, col), or false if either
// index is out of range.
func (r *Result) GetValue(row, col int) (string, bool) {
	if row < 0 || row >= len(r.Rows) {
		return "", false
	}
	if col < 0 || col >= len(r.Rows[row]) {
		return "", false
	}
	return r.Rows[row][col], true
}

// Transport is the capability surface the replication engine consumes
// from a live connection. A *PGConn is the only production
// implementation; tests may substitute a fake.
type Transport interface {
	Exec(ctx context.Context, sql string) (*Result, error)
	GetCopyData(ctx context.Context, timeout time.Duration) ([]byte, error)
	PutCopyData(ctx context.Context, data []byte) error
	Flush(ctx context.Context) error
	ErrorMessage() string
	Close(ctx context.Context) error
}

// PGConn is the production Transport, backed by pgconn.PgConn and its
// pgproto3 frontend for the raw CopyBoth messages IDENTIFY_SYSTEM/
// CREATE_REPLICATION_SLOT/START_REPLICATION hand off into.
type PGConn struct {
	conn    *pgconn.PgConn
	lastErr string
}

// Connect opens a replication connection. connString must include
// replication=database (§6); failure is always a Connection error.
func Connect(ctx context.Context, connString string) (*PGConn, error) {
	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return nil, errs.Connection("failed to connect", err)
	}
	return &PGConn{conn: conn}, nil
}

// Exec issues sql as a simple-query/replication command. PostgreSQL's
// replication protocol commands (IDENTIFY_SYSTEM, CREATE_REPLICATION_SLOT,
// START_REPLICATION) ride the same wire path as ordinary SQL text.
func (p *PGConn) Exec(ctx context.Context, sql string) (*Result, error) {
	reader := p.conn.Exec(ctx, sql)
	results, err := reader.ReadAll()
	if err != nil {
		p.lastErr = err.Error()
		return nil, errs.Protocol(fmt.Sprintf("exec %q failed", sql), err)
	}
	if len(results) == 0 {
		return &Result{OK: true}, nil
	}

	last := results[len(results)-1]
	fields := make([]string, len(last.FieldDescriptions))
	for i, fd := range last.FieldDescriptions {
		fields[i] = string(fd.Name)
	}
	rows := make([][]string, len(last.Rows))
	for i, row := range last.Rows {
		cols := make([]string, len(row))
		for j, v := range row {
			cols[j] = string(v)
		}
		rows[i] = cols
	}
	return &Result{OK: last.Err == nil, Fields: fields, Rows: rows}, nil
}

// GetCopyData polls the connection for one CopyBoth frame, waiting at
// most timeout for one to arrive. The engine calls this with a minimal
// timeout so the call behaves as the non-blocking poll spec §4.4 step
// 5b requires (idle waiting is the caller's 10ms sleep, not a block
// here). It returns (nil, nil) on timeout and on end-of-stream — the
// engine's loop treats both as "no data, try again" (spec §4.4 step
// 5c/5d) — and a Protocol error only for an actual wire-level failure.
func (p *PGConn) GetCopyData(ctx context.Context, timeout time.Duration) ([]byte, error) {
	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := p.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.lastErr = err.Error()
		return nil, errs.Protocol("receive copy data failed", err)
	}

	switch m := msg.(type) {
	case *pgproto3.CopyData:
		if len(m.Data) == 0 {
			return nil, nil
		}
		return m.Data, nil
	case *pgproto3.ErrorResponse:
		p.lastErr = m.Message
		return nil, errs.Protocol(fmt.Sprintf("server error: %s (%s)", m.Message, m.Code), nil)
	case *pgproto3.CopyDone:
		return nil, nil
	default:
		return nil, nil
	}
}

// PutCopyData sends a raw CopyData frame (the standby status feedback
// message) to the server.
func (p *PGConn) PutCopyData(ctx context.Context, data []byte) error {
	p.conn.Frontend().Send(&pgproto3.CopyData{Data: data})
	if err := p.conn.Frontend().Flush(); err != nil {
		p.lastErr = err.Error()
		return errs.Protocol("put_copy_data rejected", err)
	}
	return nil
}

// Flush is a no-op beyond what PutCopyData already performs: pgconn's
// frontend flushes synchronously on Send+Flush, unlike libpq's
// buffered PQflush which can return "would block". Kept as a distinct
// method so the facade's shape matches spec §6 exactly.
func (p *PGConn) Flush(ctx context.Context) error {
	return nil
}

// ErrorMessage returns the last error message observed on this
// connection, or the empty string if none.
func (p *PGConn) ErrorMessage() string {
	return p.lastErr
}

// Close issues the native close unconditionally, matching the
// Drop-equivalent contract of spec §5: on every exit path, if the
// connection is non-nil, it is closed.
func (p *PGConn) Close(ctx context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close(ctx)
}

// IdentifySystemSQL, CreateReplicationSlotSQL, and StartReplicationSQL
// are the three literal commands spec §6 requires, verbatim.
func IdentifySystemSQL() string {
	return "IDENTIFY_SYSTEM"
}

func CreateReplicationSlotSQL(slot string) string {
	return fmt.Sprintf(`CREATE_REPLICATION_SLOT "%s" LOGICAL pgoutput NOEXPORT_SNAPSHOT;`, slot)
}

func StartReplicationSQL(slot, publication string) string {
	return fmt.Sprintf(
		`START_REPLICATION SLOT "%s" LOGICAL 0/0 (proto_version '2', streaming 'on', publication_names '"%s"');`,
		slot, publication,
	)
}
