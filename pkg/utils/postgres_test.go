package utils

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{}.withDefaults()
	if c.MaxOpenConns != 10 {
		t.Fatalf("unexpected pool size: %+v", c)
	}
	if c.PingTimeout != 5*time.Second {
		t.Fatalf("expected 5s ping timeout, got %s", c.PingTimeout)
	}

	c = PostgresPoolConfig{MaxOpenConns: 4}.withDefaults()
	if c.MaxOpenConns != 4 {
		t.Fatalf("expected explicit pool size to be kept, got %d", c.MaxOpenConns)
	}
}

func TestWithTx_NilDB(t *testing.T) {
	err := WithTx(context.Background(), nil, nil, func(ctx context.Context, tx *sql.Tx) error {
		t.Fatalf("fn must not run without a db")
		return nil
	})
	if err == nil {
		t.Fatalf("expected error for nil db")
	}
}
