// Package integration_test contains integration tests for the MySQL adapter.
// They start a MySQL container through testcontainers, or use the database
// named by PUPSTORE_MYSQL_DSN when it is set.
//
// Run with: go test -tags=integration ./es/adapters/mysql/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/mysql"
	"github.com/getpup/pupstore/es/engine"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
	"github.com/getpup/pupstore/es/subscription"
)

func runMySQL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("PUPSTORE_MYSQL_DSN"); dsn != "" {
		return dsn
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.4",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "mysql",
			"MYSQL_DATABASE":      "pupstore",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("mysql container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("root:mysql@tcp(%s:%s)/pupstore?parseTime=true", host, port.Port())
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", runMySQL(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// the port opens before the server accepts connections
	require.Eventually(t, func() bool { return db.Ping() == nil }, 60*time.Second, 500*time.Millisecond)

	config := migrations.DefaultConfig()
	stmts, err := migrations.Statements(migrations.AdapterMySQL, &config)
	require.NoError(t, err)
	for _, stmt := range stmts {
		// MySQL has no CREATE INDEX IF NOT EXISTS
		if _, err := db.Exec(stmt); err != nil && !mysql.IsDuplicateKeyName(err) {
			require.NoError(t, err)
		}
	}
	return db
}

func openEngine(t *testing.T, db *sql.DB) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, db, mysql.NewDialect(mysql.WithLockWait(time.Second)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

// streamName keeps reruns against a shared database apart.
func streamName() string {
	return "orders-" + uuid.NewString()
}

func orderEvents(n int) []es.EventData {
	events := make([]es.EventData, n)
	for i := range events {
		events[i] = es.NewEventData("OrderPlaced", true, []byte(fmt.Sprintf(`{"n":%d}`, i)), nil)
	}
	return events
}

func TestIntegration_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, openDB(t))
	stream := streamName()

	result, err := e.AppendToStream(ctx, stream, es.NoStream(), orderEvents(3), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.NextExpectedVersion)

	_, err = e.AppendToStream(ctx, stream, es.NoStream(), orderEvents(1), nil)
	require.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	slice, err := e.ReadStreamEventsForward(ctx, stream, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, slice.Events, 3)
	assert.Equal(t, int64(2), slice.LastEventNumber)
	assert.JSONEq(t, `{"n":1}`, string(slice.Events[1].Data))

	read, err := e.ReadEvent(ctx, stream, -1, nil)
	require.NoError(t, err)
	require.Equal(t, store.EventReadSuccess, read.Status)
	assert.Equal(t, int64(2), read.Event.EventNumber)
}

func TestIntegration_TransactionLockAcrossEngines(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	first := openEngine(t, db)
	second := openEngine(t, db)
	stream := streamName()

	tx, err := first.StartTransaction(ctx, stream, es.Any(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, orderEvents(2)...))

	started := make(chan error, 1)
	go func() {
		tx2, err := second.StartTransaction(ctx, stream, es.Exact(1), nil)
		if err == nil {
			_, err = tx2.Commit(ctx)
		}
		started <- err
	}()

	select {
	case err := <-started:
		t.Fatalf("second transaction started while the lock was held: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	result, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.NextExpectedVersion)

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("second transaction never acquired the lock")
	}
}

func TestIntegration_SubscriptionDelivery(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, openDB(t))
	stream := streamName()

	_, err := e.AppendToStream(ctx, stream, es.Any(), orderEvents(2), nil)
	require.NoError(t, err)

	m, err := subscription.NewManager(e, subscription.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	settings := subscription.DefaultSettings()
	settings.StartFrom = 0
	settings.CheckPointAfter = 0
	settings.MinCheckPointCount = 1
	require.NoError(t, m.Create(ctx, stream, "billing", settings))

	sub, err := m.Connect(ctx, stream, "billing", subscription.ConnectOptions{})
	require.NoError(t, err)

	for want := int64(0); want < 2; want++ {
		select {
		case d := <-sub.Events():
			require.Equal(t, want, d.Event.EventNumber)
			require.NoError(t, sub.Ack(ctx, d.Event.EventID))
		case <-time.After(10 * time.Second):
			t.Fatalf("event %d never delivered", want)
		}
	}

	require.Eventually(t, func() bool {
		info, err := m.Info(ctx, stream, "billing")
		return err == nil && info.Checkpoint == 1
	}, 10*time.Second, 50*time.Millisecond)
}
