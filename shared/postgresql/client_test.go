package postgresql

import (
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Close(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	c := &Client{db: sqlx.NewDb(db, "postgres"), config: &Config{}, logger: slog.New(slog.DiscardHandler)}
	assert.NotNil(t, c.GetDB())
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
