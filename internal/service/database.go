package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultDatabaseName is the database every test of a run shares.
const DefaultDatabaseName = "taler-integrationtest"

// DBInfo identifies the database services of a test connect to.
type DBInfo struct {
	ConnStr string
	Name    string
}

// SetupDB drops and recreates database name using the admin connection
// string adminURL, and returns the connection string for the new database.
func SetupDB(ctx context.Context, adminURL, name string, logger *slog.Logger) (DBInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connStr, err := DatabaseURL(adminURL, name)
	if err != nil {
		return DBInfo{}, err
	}

	poolConfig, err := pgxpool.ParseConfig(adminURL)
	if err != nil {
		return DBInfo{}, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return DBInfo{}, fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	ident := pgx.Identifier{name}.Sanitize()
	if _, err := pool.Exec(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
		return DBInfo{}, fmt.Errorf("drop database %s: %w", name, err)
	}
	if _, err := pool.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return DBInfo{}, fmt.Errorf("create database %s: %w", name, err)
	}

	logger.Info("database_created", "name", name)
	return DBInfo{ConnStr: connStr, Name: name}, nil
}

// DatabaseURL returns adminURL with its database replaced by name.
func DatabaseURL(adminURL, name string) (string, error) {
	u, err := url.Parse(adminURL)
	if err != nil {
		return "", fmt.Errorf("parse database URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("database URL must use the postgres scheme (got %q)", u.Scheme)
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String(), nil
}

// SplitDatabaseURL splits connStr into the URL of the "postgres" maintenance
// database, which SetupDB connects to, and the name of the target database.
func SplitDatabaseURL(connStr string) (adminURL, name string, err error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return "", "", fmt.Errorf("parse database URL: %w", err)
	}
	name = strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", "", fmt.Errorf("database URL %q names no database", connStr)
	}
	adminURL, err = DatabaseURL(connStr, "postgres")
	if err != nil {
		return "", "", err
	}
	return adminURL, name, nil
}
