// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgclient runs the few catalog queries the operator needs against
// the local database.
package pgclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/multigres/pgoperator/go/common/constants"
)

// Config locates the local database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

// DSN returns the connection string for database.
func (c Config) DSN(database string) string {
	user := c.User
	if user == "" {
		user = constants.DefaultPostgresUser
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	parts := []string{
		"host=" + quoteValue(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quoteValue(database),
		"user=" + quoteValue(user),
		"sslmode=" + sslmode,
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteValue(c.Password))
	}
	return strings.Join(parts, " ")
}

func quoteValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	return "'" + s + "'"
}

// Opener opens a connection pool to one database.
type Opener func(ctx context.Context, database string) (*sql.DB, error)

// PqOpener opens lib/pq connections and verifies them with a ping.
func PqOpener(cfg Config) Opener {
	return func(ctx context.Context, database string) (*sql.DB, error) {
		db, err := sql.Open("postgres", cfg.DSN(database))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", database, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping %s: %w", database, err)
		}
		return db, nil
	}
}

// Client answers catalog questions.
type Client struct {
	open Opener
}

func NewClient(open Opener) *Client {
	return &Client{open: open}
}

// DatabaseExists reports whether database exists.
func (c *Client) DatabaseExists(ctx context.Context, database string) (bool, error) {
	db, err := c.open(ctx, constants.DefaultPostgresDatabase)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var one int
	err = db.QueryRowContext(ctx, "SELECT 1 FROM pg_catalog.pg_database WHERE datname = $1", database).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up database %s: %w", database, err)
	}
	return true, nil
}

// SplitTable splits "schema.table" into its parts. A bare name is in public.
func SplitTable(table string) (schema, name string) {
	if s, n, ok := strings.Cut(table, "."); ok {
		return s, n
	}
	return "public", table
}

// MissingTables returns the tables of database that do not exist, in the
// order given.
func (c *Client) MissingTables(ctx context.Context, database string, tables []string) ([]string, error) {
	db, err := c.open(ctx, database)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var missing []string
	for _, t := range tables {
		schema, name := SplitTable(t)
		var regclass sql.NullString
		err := db.QueryRowContext(ctx, "SELECT to_regclass($1)::text", pq.QuoteIdentifier(schema)+"."+pq.QuoteIdentifier(name)).Scan(&regclass)
		if err != nil {
			return nil, fmt.Errorf("looking up table %s: %w", t, err)
		}
		if !regclass.Valid {
			missing = append(missing, t)
		}
	}
	return missing, nil
}
