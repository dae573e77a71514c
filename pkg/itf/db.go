package itf

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/edulink-sl/edulink/pkg/configuration"
)

// DBName derives a postgres-safe database name from the running test.
// Postgres identifiers cap at 63 bytes; longer names get a hash suffix so
// two long test names never collide on the same truncated prefix.
func DBName(tb testing.TB) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, tb.Name())
	mapped = strings.Trim(mapped, "_")
	if mapped == "" {
		mapped = "test"
	}
	if len(mapped) <= 63 {
		return mapped
	}
	sum := sha256.Sum256([]byte(tb.Name()))
	return fmt.Sprintf("%s_%x", mapped[:54], sum[:4])
}

// CreateDB drops and recreates the named database on the configured server.
// Dropping up front rather than in cleanup leaves data from a failed run
// inspectable until the test runs again.
func CreateDB(tb testing.TB, name string) {
	tb.Helper()

	c := configuration.Use()
	admin := fmt.Sprintf(
		"host=%s port=%s user=%s dbname=postgres password=%s sslmode=disable",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password,
	)
	db, err := sql.Open("postgres", admin)
	if err != nil {
		tb.Fatalf("open admin connection: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s", name)); err != nil {
		tb.Fatalf("drop database %s: %v", name, err)
	}
	if _, err := db.Exec(fmt.Sprintf("CREATE DATABASE %s", name)); err != nil {
		tb.Fatalf("create database %s: %v", name, err)
	}
}

// DBOpts returns a connection string for the named test database.
func DBOpts(name string) string {
	c := configuration.Use()
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		c.Database.Host, c.Database.Port, c.Database.User, name, c.Database.Password,
	)
}

// NewPool connects with limits small enough that parallel test packages
// stay well under the server's connection cap.
func NewPool(tb testing.TB, opts string) *pgxpool.Pool {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(opts)
	if err != nil {
		tb.Fatalf("parse pool config: %v", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		tb.Fatalf("connect %s: %v", opts, err)
	}
	return pool
}
