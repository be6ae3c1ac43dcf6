package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationQueueLeaseAndAck(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	queue := newIntegrationQueue(t, dsn, 4)

	if !queue.TryEnqueue(envelope("env_pg_1")) || !queue.TryEnqueue(envelope("env_pg_2")) {
		t.Fatalf("expected enqueue to succeed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.ID != "env_pg_1" || first.Request.SourceID != "env_pg_1" {
		t.Fatalf("expected env_pg_1, got %+v (ok=%v)", first, ok)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.ID != "env_pg_2" {
		t.Fatalf("expected leased row to be skipped, got %+v (ok=%v)", second, ok)
	}
	if err := queue.Ack(ctx, first.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected depth 1 after one ack, got %d", depth)
	}
}

func TestPostgresIntegrationQueueRedeliversExpiredLease(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	queue := newIntegrationQueue(t, dsn, 4)
	queue.lease = 50 * time.Millisecond

	queue.TryEnqueue(envelope("env_pg_lease"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected first delivery")
	}
	again, ok := queue.Dequeue(ctx)
	if !ok || again.ID != "env_pg_lease" {
		t.Fatalf("expected redelivery after lease expiry, got %+v (ok=%v)", again, ok)
	}
}

func TestPostgresIntegrationQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	queue := newIntegrationQueue(t, dsn, 1)

	var wg sync.WaitGroup
	var successCount atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if queue.TryEnqueue(envelope(fmt.Sprintf("env_pg_cap_%d", i))) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
}

func newIntegrationQueue(t *testing.T, dsn string, capacity int) *PostgresQueue {
	t.Helper()
	queue, err := NewPostgresQueue(dsn, capacity)
	if err != nil {
		t.Fatalf("new postgres queue failed: %v", err)
	}
	queue.tableName = postgresIntegrationTableName("driveindex_queue_it")
	queue.pollInterval = 5 * time.Millisecond
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, queue.tableName)
	})
	return queue
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DRIVEINDEX_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set DRIVEINDEX_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(tableName)); err != nil {
		t.Fatalf("drop postgres table %s failed: %v", tableName, err)
	}
}
