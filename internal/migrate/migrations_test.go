package migrate_test

import (
	"testing"

	"reviewline/internal/db"
	"reviewline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if v, _ := migrate.Current(conn); v != 0 {
		t.Fatalf("fresh db version %d", v)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatal(err)
	}
	current, err := migrate.Current(conn)
	if err != nil {
		t.Fatal(err)
	}
	if current != latest || latest < 2 {
		t.Fatalf("version %d, latest %d", current, latest)
	}
}

func TestStatusTracksMigration(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	st, err := migrate.Status(conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Current != 0 || st.UpToDate() {
		t.Fatalf("fresh db status %+v", st)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err = migrate.Status(conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.UpToDate() || st.Current != st.Latest {
		t.Fatalf("migrated db status %+v", st)
	}
}
