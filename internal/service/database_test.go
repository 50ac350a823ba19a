package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-taler-harness/internal/logging"
)

func TestDatabaseURL(t *testing.T) {
	tests := []struct {
		name    string
		admin   string
		db      string
		want    string
		wantErr bool
	}{
		{"socket", "postgres:///postgres", "taler-integrationtest", "postgres:///taler-integrationtest", false},
		{"host and user", "postgresql://taler@db:5432/postgres?sslmode=disable", "t1", "postgresql://taler@db:5432/t1?sslmode=disable", false},
		{"wrong scheme", "mysql://localhost/x", "t1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DatabaseURL(tt.admin, tt.db)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitDatabaseURL(t *testing.T) {
	admin, name, err := SplitDatabaseURL("postgres:///taler-integrationtest")
	require.NoError(t, err)
	assert.Equal(t, "postgres:///postgres", admin)
	assert.Equal(t, "taler-integrationtest", name)

	_, _, err = SplitDatabaseURL("postgres://localhost")
	assert.Error(t, err)
}

// TestSetupDB needs a PostgreSQL server the test may create databases on.
func TestSetupDB(t *testing.T) {
	adminURL := os.Getenv("TALER_HARNESS_TEST_DATABASE_URL")
	if adminURL == "" {
		t.Skip("TALER_HARNESS_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := SetupDB(ctx, adminURL, "taler-harness-setupdb-test", logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "taler-harness-setupdb-test", info.Name)

	// A second run drops the database created by the first.
	info, err = SetupDB(ctx, adminURL, "taler-harness-setupdb-test", logging.Discard())
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, info.ConnStr)
	require.NoError(t, err)
	defer conn.Close(ctx)

	var current string
	require.NoError(t, conn.QueryRow(ctx, "SELECT current_database()").Scan(&current))
	assert.Equal(t, "taler-harness-setupdb-test", current)
}
