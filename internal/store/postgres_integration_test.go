package store

import (
	"context"
	"os"
	"testing"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
	ctx := context.Background()
	p, err := NewPostgres(dsn)
	if err != nil { t.Fatalf("NewPostgres: %v", err) }
	if err := p.Ping(ctx); err != nil { t.Fatalf("Ping: %v", err) }
	if err := p.MigrateDir("../../db/migrations"); err != nil { t.Fatalf("MigrateDir: %v", err) }
	// Try simple call
	if _, _, err := p.ListWorkOrders(ctx, "t_demo", "", "", 1); err != nil { t.Fatalf("ListWorkOrders: %v", err) }
}
