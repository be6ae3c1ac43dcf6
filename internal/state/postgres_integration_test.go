package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.checkpointTable = postgresIntegrationTableName("driveindex_checkpoints_it")
	store.identityTable = postgresIntegrationTableName("driveindex_identities_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.checkpointTable)
		postgresIntegrationDropTable(t, dsn, store.identityTable)
	})

	exerciseCheckpoints(t, store)
	exerciseIdentities(t, store)
}

func TestPostgresIntegrationCheckpointSurvivesReopen(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := postgresIntegrationTableName("driveindex_checkpoints_reopen_it")
	identityTable := postgresIntegrationTableName("driveindex_identities_reopen_it")

	first, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	first.checkpointTable = table
	first.identityTable = identityTable
	t.Cleanup(func() {
		postgresIntegrationDropTable(t, dsn, table)
		postgresIntegrationDropTable(t, dsn, identityTable)
	})
	if err := first.Save(context.Background(), "drive_a", "77"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	_ = first.Close()

	second, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("reopen postgres store: %v", err)
	}
	second.checkpointTable = table
	second.identityTable = identityTable
	defer second.Close()
	if cursor, err := second.Load(context.Background(), "drive_a"); err != nil || cursor != "77" {
		t.Fatalf("expected cursor 77 after reopen, got %q err=%v", cursor, err)
	}
}

func TestPlaceholderBinding(t *testing.T) {
	query := "SELECT a FROM t WHERE b = ? AND c LIKE ?"
	if got := postgresDialect.bind(query); got != "SELECT a FROM t WHERE b = $1 AND c LIKE $2" {
		t.Fatalf("unexpected postgres binding %q", got)
	}
	if got := sqliteDialect.bind(query); got != query {
		t.Fatalf("expected sqlite query unchanged, got %q", got)
	}
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
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
