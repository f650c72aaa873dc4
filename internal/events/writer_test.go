package events

import (
	"context"
	"testing"
	"time"

	"refinery/internal/db"
	"refinery/internal/migrate"
)

func TestAppendWritesRowInTransaction(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := Writer{DB: conn, Now: func() time.Time { return fixed }}
	ctx := context.Background()

	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, "wave.started", "p1", "project", "p1", EventPayload{"wave": 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, "project.created", "", "project", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var ts, payload string
	if err := conn.QueryRow(`SELECT ts, payload_json FROM events WHERE type='wave.started'`).Scan(&ts, &payload); err != nil {
		t.Fatal(err)
	}
	if ts != "2025-06-01T12:00:00Z" {
		t.Fatalf("ts = %q", ts)
	}
	if payload != `{"wave":1}` {
		t.Fatalf("payload = %q", payload)
	}

	var projID, entityID any
	var empty string
	if err := conn.QueryRow(`SELECT project_id, entity_id, payload_json FROM events WHERE type='project.created'`).Scan(&projID, &entityID, &empty); err != nil {
		t.Fatal(err)
	}
	if projID != nil || entityID != nil {
		t.Fatalf("empty ids should store NULL, got %v / %v", projID, entityID)
	}
	if empty != "{}" {
		t.Fatalf("nil payload = %q, want {}", empty)
	}
}

func TestAppendRollsBackWithStateChange(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	w := Writer{DB: conn}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(context.Background(), tx, "wave.started", "p1", "project", "p1", nil); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()

	var n int
	if err := conn.QueryRow(`SELECT count(*) FROM events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("events = %d after rollback, want 0", n)
	}
}
