package postgres

import (
	"io"
	"strings"
	"testing"
)

func TestMigrationsSourceHasReversibleSteps(t *testing.T) {
	src, err := MigrationsSource()
	if err != nil {
		t.Fatalf("open migrations: %v", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		t.Fatalf("first migration: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first version 1, got %d", version)
	}

	up, _, err := src.ReadUp(version)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	defer up.Close()
	body, err := io.ReadAll(up)
	if err != nil {
		t.Fatalf("read up body: %v", err)
	}
	if !strings.Contains(string(body), Schema+".session_entry") {
		t.Fatalf("expected the up migration to create %s.session_entry", Schema)
	}

	down, _, err := src.ReadDown(version)
	if err != nil {
		t.Fatalf("read down: %v", err)
	}
	_ = down.Close()
}
