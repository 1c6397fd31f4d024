package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type fakeExecer struct {
	sql []string
	err error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.err
}

func TestMigrate(t *testing.T) {
	db := &fakeExecer{}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if len(db.sql) != 1 || !strings.Contains(db.sql[0], "CREATE TABLE IF NOT EXISTS channel_notifications") {
		t.Errorf("executed %q", db.sql)
	}
}

func TestMigrate_Error(t *testing.T) {
	boom := errors.New("permission denied")
	err := Migrate(context.Background(), &fakeExecer{err: boom})
	if !errors.Is(err, boom) {
		t.Errorf("Migrate error = %v, want wrapped %v", err, boom)
	}
}

func TestSchemaMatchesWriterConflictKey(t *testing.T) {
	if !strings.Contains(Schema, "PRIMARY KEY (instance, channel, received_at)") {
		t.Error("schema key does not match the writer's ON CONFLICT target")
	}
}
