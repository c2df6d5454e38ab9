//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/store/storetest"
)

func TestStoreIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MAILBOX_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("MAILBOX_POSTGRES_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storetest.Run(t, func(t *testing.T) store.Store {
		table := "mailbox_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		s := New(db, table)
		if err := s.CreateTable(context.Background()); err != nil {
			t.Fatalf("CreateTable failed: %v", err)
		}
		t.Cleanup(func() {
			_, _ = db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
		})
		return s
	})
}
