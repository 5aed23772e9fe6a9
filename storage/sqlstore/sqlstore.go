// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlstore opens the SQLite databases backing the attribution and aggregation storage and
// keeps their schemas current.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/metrics"
	"github.com/jmoiron/sqlx"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Querier is implemented by both *sqlx.DB and *Tx, so table code can run inside or outside a
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Schema describes the migrations of one database. Version is the newest schema this binary
// understands.
type Schema struct {
	Name    string
	FS      fs.FS
	Dir     string
	Version uint
}

// DB is an open database. It holds a single connection so every statement is serialized.
type DB struct {
	*sqlx.DB
	name string
}

type migrateLogger struct {
	name string
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	log.V(1).Infof("%s: "+format, append([]interface{}{l.name}, v...)...)
}

func (migrateLogger) Verbose() bool {
	return bool(log.V(2))
}

// Open opens or creates the database at path and migrates it to schema.Version. A database whose
// schema is newer than schema.Version, or was left dirty by a failed migration, is razed and
// recreated empty. m may be nil.
func Open(ctx context.Context, path string, schema Schema, m *metrics.Metrics) (*DB, error) {
	sdb, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s database %q: %w", schema.Name, path, err)
	}
	sdb.SetMaxOpenConns(1)
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("opening %s database %q: %w", schema.Name, path, err)
	}

	db := &DB{DB: sdb, name: schema.Name}
	if err := db.migrate(ctx, schema, m); err != nil {
		sdb.Close()
		return nil, err
	}
	log.Infof("opened %s database at %q, schema version %d", schema.Name, path, schema.Version)
	return db, nil
}

func (db *DB) newMigrate(schema Schema) (*migrate.Migrate, error) {
	src, err := iofs.New(schema.FS, schema.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s migrations: %w", schema.Name, err)
	}
	driver, err := sqlite.WithInstance(db.DB.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating %s migration driver: %w", schema.Name, err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("creating %s migrator: %w", schema.Name, err)
	}
	mg.Log = migrateLogger{name: schema.Name}
	// The migrator is never closed: closing its driver would close the database.
	return mg, nil
}

func (db *DB) migrate(ctx context.Context, schema Schema, m *metrics.Metrics) error {
	mg, err := db.newMigrate(schema)
	if err != nil {
		return err
	}

	version, dirty, err := mg.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return fmt.Errorf("reading %s schema version: %w", schema.Name, err)
	case version > schema.Version || dirty:
		log.Warningf("razing %s database: stored schema version %d (dirty=%v), supported %d", schema.Name, version, dirty, schema.Version)
		m.RecordRaze(schema.Name)
		if err := db.raze(ctx); err != nil {
			return err
		}
		if mg, err = db.newMigrate(schema); err != nil {
			return err
		}
	}

	if err := mg.Migrate(schema.Version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating %s database to version %d: %w", schema.Name, schema.Version, err)
	}
	return nil
}

// raze drops every table, including the migration bookkeeping.
func (db *DB) raze(ctx context.Context) error {
	var tables []string
	if err := db.SelectContext(ctx, &tables, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`); err != nil {
		return fmt.Errorf("listing %s tables: %w", db.name, err)
	}
	for _, t := range tables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, t)); err != nil {
			return fmt.Errorf("razing %s table %q: %w", db.name, t, err)
		}
	}
	return nil
}

// Tx is the Querier InTx passes to its function.
type Tx struct {
	*sqlx.Tx
	onCommit []func()
}

// OnCommit registers fn to run after the transaction commits. It never runs on rollback.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// AfterCommit runs fn once the writes made through q are committed: after commit when q is a
// transaction from InTx, immediately otherwise.
func AfterCommit(q Querier, fn func()) {
	if tx, ok := q.(*Tx); ok {
		tx.OnCommit(fn)
		return
	}
	fn()
}

// InTx runs function inside a transaction. The transaction commits if function returns nil and
// rolls back otherwise.
func (db *DB) InTx(ctx context.Context, function func(Querier) error) (err error) {
	transaction, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		rerr := transaction.Rollback()
		if rerr == nil || errors.Is(rerr, sql.ErrTxDone) {
			return
		}
		err = fmt.Errorf("defer (%s): %w", rerr.Error(), err)
	}()

	tx := &Tx{Tx: transaction}
	if err = function(tx); err != nil {
		return fmt.Errorf("execute transaction: %w", err)
	}
	if err = transaction.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, fn := range tx.onCommit {
		fn()
	}
	return nil
}
