package bulksink

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type widgetRow struct {
	bun.BaseModel `bun:"table:widgets"`

	ID    int64   `bun:"id,pk,autoincrement"`
	Name  *string `bun:"name,notnull"`
	Count int     `bun:"count"`
}

func strPtr(s string) *string { return &s }

func setupExecutorTest(t *testing.T) (*bun.DB, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "bulksink_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections"),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := postgres.Host(ctx)
	require.NoError(t, err)
	port, err := postgres.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/bulksink_test?sslmode=disable", host, port.Port())
	time.Sleep(500 * time.Millisecond)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	_, err = db.NewCreateTable().Model((*widgetRow)(nil)).Exec(ctx)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
		_ = postgres.Terminate(ctx)
	}
	return db, cleanup
}

func TestExecutor_WriteCommitsBatch(t *testing.T) {
	db, cleanup := setupExecutorTest(t)
	defer cleanup()

	exec := NewExecutor[widgetRow](db, TargetTable{}, nil)
	batch := []widgetRow{{Name: strPtr("a"), Count: 1}, {Name: strPtr("b"), Count: 2}}

	require.NoError(t, exec.Write(context.Background(), batch))

	committed, rolledBack, rows := exec.Stats().Snapshot()
	assert.Equal(t, 1, committed)
	assert.Equal(t, 0, rolledBack)
	assert.Equal(t, 2, rows)

	count, err := db.NewSelect().Model((*widgetRow)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestExecutor_WriteRollsBackOnNotNullViolation(t *testing.T) {
	db, cleanup := setupExecutorTest(t)
	defer cleanup()

	exec := NewExecutor[widgetRow](db, TargetTable{}, nil)
	bad := []widgetRow{{Name: strPtr("ok"), Count: 1}, {Name: nil, Count: 2}}

	err := exec.Write(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-null violation")
	assert.Contains(t, err.Error(), "name")

	committed, rolledBack, _ := exec.Stats().Snapshot()
	assert.Equal(t, 0, committed)
	assert.Equal(t, 1, rolledBack)

	count, countErr := db.NewSelect().Model((*widgetRow)(nil)).Count(context.Background())
	require.NoError(t, countErr)
	assert.Equal(t, 0, count, "the whole batch should roll back, including the valid row")
}

func TestExecutor_PostInsertHookRunsOnlyAfterCommit(t *testing.T) {
	db, cleanup := setupExecutorTest(t)
	defer cleanup()

	var hookRows int
	var sawOpenConn bool
	exec := NewExecutor[widgetRow](db, TargetTable{Name: "widgets"}, func(ctx context.Context, conn bun.IConn, target TargetTable, batch []widgetRow) error {
		hookRows = len(batch)
		assert.Equal(t, "widgets", target.Name)
		// The connection handed to the hook must still be usable: the
		// hook runs before Write releases it back to the pool.
		count, err := conn.QueryContext(ctx, "select 1")
		sawOpenConn = err == nil
		if count != nil {
			_ = count.Close()
		}
		return nil
	})

	require.NoError(t, exec.Write(context.Background(), []widgetRow{{Name: strPtr("x"), Count: 1}}))
	assert.Equal(t, 1, hookRows)
	assert.True(t, sawOpenConn, "hook must receive a still-open connection")
}
