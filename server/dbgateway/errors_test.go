package dbgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ClassUniqueViolation},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, ClassLockTimeout},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, ClassStatementTimeout},
		{"connection exception", &pgconn.PgError{Code: "08006"}, ClassEngineNotConnected},
		{"other pg error", &pgconn.PgError{Code: "42P01"}, ClassUnknown},
		{"wrapped pg error", fmt.Errorf("query: %w", &pgconn.PgError{Code: "23505"}), ClassUniqueViolation},
		{"eof", io.EOF, ClassEngineEmptyResponse},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassEngineEmptyResponse},
		{"deadline", context.DeadlineExceeded, ClassStatementTimeout},
		{"conn closed string", errors.New("conn closed"), ClassEngineNotConnected},
		{"refused string", errors.New("dial tcp: connection refused"), ClassEngineNotConnected},
		{"plain error", errors.New("syntax error"), ClassUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("%s: Classify = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !ClassEngineNotConnected.Retryable() {
		t.Error("ENGINE_NOT_CONNECTED must be retryable")
	}
	if !ClassEngineEmptyResponse.Retryable() {
		t.Error("ENGINE_EMPTY_RESPONSE must be retryable")
	}
	for _, c := range []Class{ClassUniqueViolation, ClassLockTimeout, ClassStatementTimeout, ClassUnknown} {
		if c.Retryable() {
			t.Errorf("%v must not be retryable", c)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Error("arbitrary error should not be a unique violation")
	}
}
