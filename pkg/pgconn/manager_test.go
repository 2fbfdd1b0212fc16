package pgconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/lib/pq"
)

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"eof", io.EOF, true},
		{"net error", &net.OpError{Op: "read", Err: errors.New("connection reset")}, true},
		{"unavailable sentinel", ErrUnavailable, true},
		{"pq connection exception", &pq.Error{Code: "08006"}, true},
		{"pq syntax error", &pq.Error{Code: "42601"}, false},
		{"pq constraint violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsConnectionError(tc.err); got != tc.want {
				t.Fatalf("IsConnectionError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestManagerTransactionStateGuards(t *testing.T) {
	m := NewManager("postgres://localhost/none", Options{})

	if err := m.Begin(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Begin without connection: err = %v, want ErrUnavailable", err)
	}
	if _, err := m.Exec(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("Exec without transaction should fail")
	}
	if err := m.Commit(); err == nil {
		t.Fatal("Commit without transaction should fail")
	}
}

// A connection-class failure tears the transaction down before the
// caller rolls back, so rolling back with no transaction open must be
// a silent no-op rather than a second error.
func TestManagerRollbackWithoutTransactionIsNoOp(t *testing.T) {
	m := NewManager("postgres://localhost/none", Options{})
	if err := m.Rollback(); err != nil {
		t.Fatalf("Rollback without transaction: %v", err)
	}
}

func TestManagerAliveWithoutConnection(t *testing.T) {
	m := NewManager("postgres://localhost/none", Options{})
	if m.Alive(context.Background()) {
		t.Fatal("Alive should be false before any connection is made")
	}
}

func TestManagerCloseIdempotent(t *testing.T) {
	m := NewManager("postgres://localhost/none", Options{})
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEnsureSSLMode(t *testing.T) {
	got := ensureSSLMode("postgres://u@localhost:5432/db")
	if got != "postgres://u@localhost:5432/db?sslmode=disable" {
		t.Fatalf("ensureSSLMode = %q", got)
	}

	keep := "postgres://u@localhost:5432/db?sslmode=verify-full"
	if got := ensureSSLMode(keep); got != keep {
		t.Fatalf("ensureSSLMode altered explicit sslmode: %q", got)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := QuoteIdentifier(`my"db`); got != `"my""db"` {
		t.Fatalf("QuoteIdentifier = %q", got)
	}
}
