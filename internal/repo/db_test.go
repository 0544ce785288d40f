package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/averly/chatlink-backend/internal/domain"
)

func TestOpenSQLite_MissingParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does", "not", "exist", "app.db")
	if _, err := OpenSQLite(path); err == nil {
		t.Fatalf("expected error for missing parent directory")
	}
}

func TestOpenSQLite_AndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	// Schema is usable end to end.
	tok := &domain.VerificationToken{
		ChannelID: "telegram",
		UserID:    strPtr("u1"),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := CreateToken(context.Background(), db, tok); err != nil {
		t.Fatalf("CreateToken on migrated schema: %v", err)
	}
	for _, m := range []string{"verification_tokens", "channel_links", "subscriptions", "users"} {
		if !db.Migrator().HasTable(m) {
			t.Fatalf("missing table %s", m)
		}
	}
}
