package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestHasCodeUnwraps(t *testing.T) {
	pgErr := &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "work_orders_access_key_key"}
	wrapped := fmt.Errorf("insert order: %w", pgErr)

	assert.True(t, HasCode(wrapped, CodeUniqueViolation))
	assert.False(t, HasCode(wrapped, CodeSerializationFailure))
	assert.False(t, HasCode(errors.New("plain"), CodeUniqueViolation))
	assert.Equal(t, "work_orders_access_key_key", ConstraintName(wrapped))
	assert.Empty(t, ConstraintName(errors.New("plain")))
}
