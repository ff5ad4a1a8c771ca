package repo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
)

// ErrDuplicate is returned when an insert hits a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PGError extracts code and message of a Postgres error, if any.
func PGError(err error) (code, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", "", false
	}
	return pgErr.Code, pgErr.Message, true
}

// fault wraps a database error so callers can test it against boleto.ErrRepository.
func fault(op string, err error) error {
	if err == nil || errors.Is(err, boleto.ErrRepository) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, boleto.ErrRepository, err)
}
