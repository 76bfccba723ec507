package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestInsertErrMapsUniqueViolationToConflict(t *testing.T) {
	id := uuid.New()
	pgErr := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "memory_items_pkey"}

	err := insertErr(fmt.Errorf("exec insert: %w", pgErr), id)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate key err = %v, want ErrConflict", err)
	}
	if !strings.Contains(err.Error(), id.String()) {
		t.Fatalf("conflict error %q must name the duplicate id %s", err, id)
	}
}

func TestInsertErrKeepsOtherFailures(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23503", ConstraintName: "memory_items_user_fk"}

	err := insertErr(pgErr, uuid.New())
	if errors.Is(err, domain.ErrConflict) {
		t.Fatalf("foreign key violation misreported as conflict: %v", err)
	}
	var unwrapped *pgconn.PgError
	if !errors.As(err, &unwrapped) || unwrapped.Code != "23503" {
		t.Fatalf("original pg error lost: %v", err)
	}
}
