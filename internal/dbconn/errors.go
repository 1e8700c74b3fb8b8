package dbconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/kalambet/worklog/internal/storage"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrConnectionFailed is matched by every *ConnectionError.
	ErrConnectionFailed = errors.New("store connection failed")
	// ErrConnectTimeout is returned when waiting on another caller's
	// connection attempt exceeds the wait budget.
	ErrConnectTimeout = errors.New("timed out waiting for store connection")
	// ErrOperationTimeout is returned when an operation outlives its class deadline.
	ErrOperationTimeout = errors.New("store operation timed out")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("store manager closed")
)

// ConnectionError reports that connect retries were exhausted.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailed }

// OperationError is the final failure of a managed operation. Err is the
// error the operation (or the manager) produced, unchanged.
type OperationError struct {
	Label string
	Class OpClass
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s (%s op): %v", e.Label, e.Class, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err looks like a connectivity or
// timeout problem rather than an application error. Such errors are
// retried once by Execute.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrOperationTimeout),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrConnectTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if code, ok := storage.PostgresCode(err); ok {
		// Class 08 is connection exception; 57P01..57P03 are admin/crash shutdown
		// and cannot-connect-now.
		return strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03"
	}
	if code, ok := storage.SQLiteCode(err); ok {
		switch code {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database server") || strings.Contains(msg, "connection")
}
