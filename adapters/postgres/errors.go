package postgres

import (
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx"

	"github.com/screeem/screeem/core/es"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr pgx.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == uniqueViolation }

// Unavailable maps connection failures, resource exhaustion, operator
// intervention and serialization failures to es.ErrStorageUnavailable and
// returns any other error unchanged.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	code := pgCode(err)
	switch {
	case code == serializationFailure, code == deadlockDetected:
		return es.Unavailable(err)
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"):
		return es.Unavailable(err)
	case code != "":
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, pgx.ErrDeadConn) || errors.Is(err, pgx.ErrAcquireTimeout) {
		return es.Unavailable(err)
	}
	return err
}
