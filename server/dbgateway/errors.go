package dbgateway

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Class is the gateway's error taxonomy. Retry decisions are made on the
// class, never on raw driver errors.
type Class int

const (
	ClassUnknown Class = iota
	ClassEngineNotConnected  // retryable
	ClassEngineEmptyResponse // retryable once
	ClassUniqueViolation     // routed to conflict resolution, never blind-retried
	ClassLockTimeout         // surfaced
	ClassStatementTimeout    // fatal for the call
)

func (c Class) String() string {
	switch c {
	case ClassEngineNotConnected:
		return "ENGINE_NOT_CONNECTED"
	case ClassEngineEmptyResponse:
		return "ENGINE_EMPTY_RESPONSE"
	case ClassUniqueViolation:
		return "UNIQUE_VIOLATION"
	case ClassLockTimeout:
		return "LOCK_TIMEOUT"
	case ClassStatementTimeout:
		return "STATEMENT_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the gateway may retry outside a transaction.
func (c Class) Retryable() bool {
	return c == ClassEngineNotConnected || c == ClassEngineEmptyResponse
}

// Classify maps a driver error onto the gateway taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ClassUniqueViolation
		case pgErr.Code == "55P03":
			return ClassLockTimeout
		case pgErr.Code == "57014":
			return ClassStatementTimeout
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception class
			return ClassEngineNotConnected
		}
		return ClassUnknown
	}

	// context.DeadlineExceeded satisfies net.Error; classify it first so
	// timeouts stay fatal for the call instead of becoming retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassStatementTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassEngineNotConnected
	}

	// A half-dead connection surfaces as an abrupt EOF: the engine accepted
	// the query but the response never arrived.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassEngineEmptyResponse
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "conn closed"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"):
		return ClassEngineNotConnected
	case strings.Contains(msg, "unexpected EOF"):
		return ClassEngineEmptyResponse
	}
	return ClassUnknown
}

// IsUniqueViolation reports whether err is a (merchant_id, number) style
// uniqueness conflict.
func IsUniqueViolation(err error) bool {
	return Classify(err) == ClassUniqueViolation
}
