// Package taobun provides a Bun-backed driver for the tao graph store.
//
// The driver speaks SQLite (the embedded default), PostgreSQL and MySQL
// through Bun's dialects. All three produce the same two-table layout, so a
// database written by one process can be reopened by another — including
// one using the taogorm driver.
package taobun

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/lemmego/tao"
)

func init() {
	tao.RegisterDriver("bun", &Factory{})
}

// =====================================
// Row Models
// =====================================

type entRow struct {
	bun.BaseModel `bun:"table:ents"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Type int64  `bun:"type,notnull"`
	Data []byte `bun:"data"`
}

type assocRow struct {
	bun.BaseModel `bun:"table:assocs"`

	ID1                int64  `bun:"id1,pk"`
	ID2                int64  `bun:"id2,pk"`
	Type               int64  `bun:"type,pk"`
	LastChangeUnixtime int64  `bun:"last_change_unixtime,notnull"`
	Data               []byte `bun:"data"`
}

// The DDL is issued verbatim rather than generated from the models so the
// on-disk layout stays bit-compatible across drivers and processes.
const (
	createEntsTable = `
		CREATE TABLE IF NOT EXISTS ents (
			id   INTEGER PRIMARY KEY NOT NULL,
			type INTEGER NOT NULL,
			data BLOB
		)`
	createAssocsTable = `
		CREATE TABLE IF NOT EXISTS assocs (
			id1                  INTEGER NOT NULL,
			id2                  INTEGER NOT NULL,
			type                 INTEGER NOT NULL,
			last_change_unixtime INTEGER NOT NULL,
			data                 BLOB,
			PRIMARY KEY (id1, id2, type)
		)`
)

// =====================================
// Factory
// =====================================

// Factory implements tao.Factory over Bun.
type Factory struct{}

// Create opens and initializes a store per the given configuration.
func (f *Factory) Create(config tao.Config) (tao.Connection, error) {
	return New(config)
}

// SupportedDrivers returns the list of supported database drivers.
func (f *Factory) SupportedDrivers() []string {
	return []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3"}
}

// Conn is a Bun-backed tao.Connection.
type Conn struct {
	db       *bun.DB
	tunables *tao.Tunables
	config   tao.Config
}

var _ tao.Connection = (*Conn)(nil)

// New opens the configured database, applies pool settings, and initializes
// the tao tables.
func New(config tao.Config) (*Conn, error) {
	var sqlDB *sql.DB
	var err error

	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		sqlDB, err = createPostgresConnection(config)
	case "mysql":
		sqlDB, err = createMySQLConnection(config)
	case "sqlite", "sqlite3", "":
		sqlDB, err = createSQLiteConnection(config)
	default:
		return nil, tao.NewStorageError(fmt.Errorf("unsupported driver: %s", config.Driver))
	}
	if err != nil {
		return nil, tao.NewStorageError(err)
	}

	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	var bunDB *bun.DB
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		bunDB = bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		bunDB = bun.NewDB(sqlDB, mysqldialect.New())
	default:
		bunDB = bun.NewDB(sqlDB, sqlitedialect.New())
	}

	if options, ok := config.Options["bun"]; ok {
		if bunOpts, ok := options.(map[string]interface{}); ok {
			if logLevel, ok := bunOpts["log_level"].(string); ok && logLevel != "silent" {
				bunDB.AddQueryHook(bundebug.NewQueryHook(
					bundebug.WithVerbose(logLevel == "debug"),
				))
			}
		}
	}

	conn := &Conn{
		db:       bunDB,
		tunables: config.PageTunables(),
		config:   config,
	}
	if err := conn.Initialize(context.Background()); err != nil {
		_ = bunDB.Close()
		return nil, err
	}
	return conn, nil
}

// NewInMemory opens a fresh in-memory SQLite store, initialized and ready
// for use. Handy for tests and little one-off programs with local data only.
func NewInMemory() (*Conn, error) {
	return New(tao.Config{Driver: tao.DriverSQLite, Database: ":memory:"})
}

func createPostgresConnection(config tao.Config) (*sql.DB, error) {
	if config.ConnectionURL != "" {
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(config.ConnectionURL))), nil
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		config.Username, config.Password, config.Host, config.Port, config.Database)
	return sql.Open("postgres", dsn)
}

func createMySQLConnection(config tao.Config) (*sql.DB, error) {
	if config.ConnectionURL != "" {
		return sql.Open("mysql", config.ConnectionURL)
	}
	mysqlConfig := mysql.Config{
		User:   config.Username,
		Passwd: config.Password,
		Net:    "tcp",
		Addr:   fmt.Sprintf("%s:%d", config.Host, config.Port),
		DBName: config.Database,
	}
	return sql.Open("mysql", mysqlConfig.FormatDSN())
}

func createSQLiteConnection(config tao.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", config.Database)
	if err != nil {
		return nil, err
	}
	// An in-memory database exists per pool connection; cap the pool so
	// every handle sees the same one.
	if config.Database == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// =====================================
// Connection Implementation
// =====================================

// Initialize creates the ents and assocs tables if absent. Idempotent.
func (c *Conn) Initialize(ctx context.Context) error {
	err := c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, createEntsTable); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, createAssocsTable); err != nil {
			return err
		}
		return nil
	})
	return tao.NewStorageError(err)
}

// EntAdd inserts a new entity and returns its assigned ID.
func (c *Conn) EntAdd(ctx context.Context, ty tao.EntityType, data []byte) (tao.EntityID, error) {
	row := &entRow{Type: int64(ty.Uint64()), Data: data}
	if _, err := c.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return tao.EntityID{}, tao.NewStorageError(err)
	}
	// The engine hands back the autoincrement key; zero would be invalid.
	return tao.EntityIDFromUint64(uint64(row.ID))
}

// EntGet fetches the type and data for id.
func (c *Conn) EntGet(ctx context.Context, id tao.EntityID) (tao.EntityType, []byte, error) {
	var rows []entRow
	err := c.db.NewSelect().Model(&rows).
		Where("id = ?", int64(id.Uint64())).
		Scan(ctx)
	if err != nil {
		return tao.EntityType{}, nil, tao.NewStorageError(err)
	}
	switch len(rows) {
	case 0:
		return tao.EntityType{}, nil, tao.EntNotFoundError{ID: id}
	case 1:
		ty, err := tao.EntityTypeFromUint64(uint64(rows[0].Type))
		if err != nil {
			return tao.EntityType{}, nil, err
		}
		return ty, rows[0].Data, nil
	default:
		return tao.EntityType{}, nil, tao.EntModifiedTooManyRowsError{
			ID: id, Modified: len(rows), Expected: 1,
		}
	}
}

// EntUpdate replaces the data for id. The ty argument is ignored; the
// stored type is returned unchanged.
func (c *Conn) EntUpdate(ctx context.Context, id tao.EntityID, _ tao.EntityType, data []byte) (tao.EntityType, []byte, error) {
	var tyRaw int64
	err := c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().Model((*entRow)(nil)).
			Set("data = ?", data).
			Where("id = ?", int64(id.Uint64())).
			Exec(ctx)
		if err != nil {
			return tao.NewStorageError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return tao.NewStorageError(err)
		}
		switch {
		case affected == 0:
			return tao.EntNotFoundError{ID: id}
		case affected > 1:
			return tao.EntModifiedTooManyRowsError{
				ID: id, Modified: int(affected), Expected: 1,
			}
		}
		err = tx.NewSelect().Model((*entRow)(nil)).
			Column("type").
			Where("id = ?", int64(id.Uint64())).
			Scan(ctx, &tyRaw)
		return tao.NewStorageError(err)
	})
	if err != nil {
		return tao.EntityType{}, nil, err
	}
	ty, err := tao.EntityTypeFromUint64(uint64(tyRaw))
	if err != nil {
		return tao.EntityType{}, nil, err
	}
	return ty, data, nil
}

// EntDelete removes the entity and every assoc incident on it in one
// transaction. The assoc cleanup commits even when the entity itself is
// missing; the not-found error is reported after the commit.
func (c *Conn) EntDelete(ctx context.Context, id tao.EntityID) (tao.EntityType, []byte, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return tao.EntityType{}, nil, tao.NewStorageError(err)
	}
	rollback := func(err error) (tao.EntityType, []byte, error) {
		_ = tx.Rollback()
		return tao.EntityType{}, nil, err
	}

	// Drop all assocs with this entity on either end of them.
	_, err = tx.NewDelete().Model((*assocRow)(nil)).
		Where("id1 = ?", int64(id.Uint64())).
		WhereOr("id2 = ?", int64(id.Uint64())).
		Exec(ctx)
	if err != nil {
		return rollback(tao.NewStorageError(err))
	}

	var rows []entRow
	err = tx.NewSelect().Model(&rows).
		Where("id = ?", int64(id.Uint64())).
		Scan(ctx)
	if err != nil {
		return rollback(tao.NewStorageError(err))
	}
	if len(rows) > 0 {
		_, err = tx.NewDelete().Model((*entRow)(nil)).
			Where("id = ?", int64(id.Uint64())).
			Exec(ctx)
		if err != nil {
			return rollback(tao.NewStorageError(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return tao.EntityType{}, nil, tao.NewStorageError(err)
	}

	switch len(rows) {
	case 0:
		return tao.EntityType{}, nil, tao.EntNotFoundError{ID: id}
	case 1:
		ty, err := tao.EntityTypeFromUint64(uint64(rows[0].Type))
		if err != nil {
			return tao.EntityType{}, nil, err
		}
		return ty, rows[0].Data, nil
	default:
		return tao.EntityType{}, nil, tao.EntModifiedTooManyRowsError{
			ID: id, Modified: len(rows), Expected: 1,
		}
	}
}

// AssocAdd inserts the assoc (ty, id1, id2), stamping it with the current
// time. Insert-only: a primary-key collision reports
// AssocAlreadyExistsError.
func (c *Conn) AssocAdd(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID, data []byte) error {
	row := &assocRow{
		ID1:                int64(id1.Uint64()),
		ID2:                int64(id2.Uint64()),
		Type:               int64(ty.Uint64()),
		LastChangeUnixtime: time.Now().UTC().Unix(),
		Data:               data,
	}
	if _, err := c.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isDuplicateKeyErr(err) {
			return tao.AssocAlreadyExistsError{Ty: ty, ID1: id1, ID2: id2}
		}
		return tao.NewStorageError(err)
	}
	return nil
}

// AssocDelete removes the assoc (ty, id1, id2) and returns it.
func (c *Conn) AssocDelete(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID) (tao.AssocStorage, error) {
	var out tao.AssocStorage
	err := c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rows []assocRow
		err := tx.NewSelect().Model(&rows).
			Where("type = ?", int64(ty.Uint64())).
			Where("id1 = ?", int64(id1.Uint64())).
			Where("id2 = ?", int64(id2.Uint64())).
			Scan(ctx)
		if err != nil {
			return tao.NewStorageError(err)
		}
		switch len(rows) {
		case 0:
			return tao.AssocNotFoundError{Ty: ty, ID1: id1, ID2: id2}
		case 1:
		default:
			return tao.AssocModifiedTooManyRowsError{
				Ty: ty, ID1: id1, ID2: id2, Modified: len(rows), Expected: 1,
			}
		}
		res, err := tx.NewDelete().Model((*assocRow)(nil)).
			Where("type = ?", int64(ty.Uint64())).
			Where("id1 = ?", int64(id1.Uint64())).
			Where("id2 = ?", int64(id2.Uint64())).
			Exec(ctx)
		if err != nil {
			return tao.NewStorageError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return tao.NewStorageError(err)
		}
		if affected > 1 {
			return tao.AssocModifiedTooManyRowsError{
				Ty: ty, ID1: id1, ID2: id2, Modified: int(affected), Expected: 1,
			}
		}
		out = tao.AssocStorage{
			Ty:         ty,
			ID1:        id1,
			ID2:        id2,
			LastChange: unixToTime(rows[0].LastChangeUnixtime),
			Data:       rows[0].Data,
		}
		return nil
	})
	if err != nil {
		return tao.AssocStorage{}, err
	}
	return out, nil
}

// AssocChangeType rewrites (ty, id1, id2) to carry newTy, stamping the
// change time, and returns the updated record. A collision with an existing
// (newTy, id1, id2) surfaces as a StorageError from the primary-key
// constraint.
func (c *Conn) AssocChangeType(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID, newTy tao.AssocType) (tao.AssocStorage, error) {
	now := time.Now().UTC().Unix()
	var out tao.AssocStorage
	err := c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().Model((*assocRow)(nil)).
			Set("type = ?", int64(newTy.Uint64())).
			Set("last_change_unixtime = ?", now).
			Where("type = ?", int64(ty.Uint64())).
			Where("id1 = ?", int64(id1.Uint64())).
			Where("id2 = ?", int64(id2.Uint64())).
			Exec(ctx)
		if err != nil {
			return tao.NewStorageError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return tao.NewStorageError(err)
		}
		switch {
		case affected == 0:
			return tao.AssocNotFoundError{Ty: ty, ID1: id1, ID2: id2}
		case affected > 1:
			return tao.AssocModifiedTooManyRowsError{
				Ty: ty, ID1: id1, ID2: id2, Modified: int(affected), Expected: 1,
			}
		}
		var rows []assocRow
		err = tx.NewSelect().Model(&rows).
			Where("type = ?", int64(newTy.Uint64())).
			Where("id1 = ?", int64(id1.Uint64())).
			Where("id2 = ?", int64(id2.Uint64())).
			Scan(ctx)
		if err != nil {
			return tao.NewStorageError(err)
		}
		if len(rows) != 1 {
			return tao.AssocModifiedTooManyRowsError{
				Ty: newTy, ID1: id1, ID2: id2, Modified: len(rows), Expected: 1,
			}
		}
		out = tao.AssocStorage{
			Ty:         newTy,
			ID1:        id1,
			ID2:        id2,
			LastChange: unixToTime(rows[0].LastChangeUnixtime),
			Data:       rows[0].Data,
		}
		return nil
	})
	if err != nil {
		return tao.AssocStorage{}, err
	}
	return out, nil
}

// AssocGet fetches the assocs matching (ty, id1) whose id2 is in id2Set,
// optionally bounded by a last-change window. The size of id2Set is bounded
// by the engine's bind-variable limit.
func (c *Conn) AssocGet(ctx context.Context, ty tao.AssocType, id1 tao.EntityID, id2Set []tao.EntityID, high, low *time.Time) ([]tao.AssocStorage, error) {
	if len(id2Set) == 0 {
		return []tao.AssocStorage{}, nil
	}

	highTs := time.Now().UTC().Unix()
	if high != nil {
		highTs = high.Unix()
	}
	var lowTs int64
	if low != nil {
		lowTs = low.Unix()
	}

	ids := make([]int64, len(id2Set))
	for i, id := range id2Set {
		ids[i] = int64(id.Uint64())
	}

	var rows []assocRow
	err := c.db.NewSelect().Model(&rows).
		Where("type = ?", int64(ty.Uint64())).
		Where("id1 = ?", int64(id1.Uint64())).
		Where("last_change_unixtime <= ?", highTs).
		Where("last_change_unixtime >= ?", lowTs).
		Where("id2 IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, tao.NewStorageError(err)
	}
	return assocsFromRows(rows)
}

// AssocCount returns the number of assocs of type ty originating at id1.
func (c *Conn) AssocCount(ctx context.Context, ty tao.AssocType, id1 tao.EntityID) (int, error) {
	count, err := c.db.NewSelect().Model((*assocRow)(nil)).
		Where("type = ?", int64(ty.Uint64())).
		Where("id1 = ?", int64(id1.Uint64())).
		Count(ctx)
	if err != nil {
		return 0, tao.NewStorageError(err)
	}
	return count, nil
}

// AssocRange fetches a page of assocs matching (ty, id1), ordered by id2
// ascending, beginning after the cursor.
func (c *Conn) AssocRange(ctx context.Context, ty tao.AssocType, id1 tao.EntityID, after tao.AssocRangeAfter, limit tao.AssocRangeLimit) ([]tao.AssocStorage, error) {
	n, err := c.tunables.ResolvePageLimit(limit)
	if err != nil {
		return nil, err
	}

	var rows []assocRow
	err = c.db.NewSelect().Model(&rows).
		Where("type = ?", int64(ty.Uint64())).
		Where("id1 = ?", int64(id1.Uint64())).
		Where("id2 > ?", int64(after.Cursor())).
		OrderExpr("id2 ASC").
		Limit(n).
		Scan(ctx)
	if err != nil {
		return nil, tao.NewStorageError(err)
	}
	return assocsFromRows(rows)
}

// AssocTimeRange fetches up to limit assocs matching (ty, id1) last changed
// within [low, high], newest first.
func (c *Conn) AssocTimeRange(ctx context.Context, ty tao.AssocType, id1 tao.EntityID, high, low time.Time, limit tao.AssocRangeLimit) ([]tao.AssocStorage, error) {
	n, err := c.tunables.ResolvePageLimit(limit)
	if err != nil {
		return nil, err
	}

	var rows []assocRow
	err = c.db.NewSelect().Model(&rows).
		Where("type = ?", int64(ty.Uint64())).
		Where("id1 = ?", int64(id1.Uint64())).
		Where("last_change_unixtime >= ?", low.Unix()).
		Where("last_change_unixtime <= ?", high.Unix()).
		OrderExpr("last_change_unixtime DESC").
		Limit(n).
		Scan(ctx)
	if err != nil {
		return nil, tao.NewStorageError(err)
	}
	return assocsFromRows(rows)
}

// Health checks the underlying database connection.
func (c *Conn) Health() error {
	return c.db.DB.Ping()
}

// Close releases the underlying database resources.
func (c *Conn) Close() error {
	return c.db.Close()
}

// =====================================
// Helpers
// =====================================

func unixToTime(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

func assocsFromRows(rows []assocRow) ([]tao.AssocStorage, error) {
	out := make([]tao.AssocStorage, 0, len(rows))
	for _, row := range rows {
		ty, err := tao.AssocTypeFromUint64(uint64(row.Type))
		if err != nil {
			return nil, err
		}
		id1, err := tao.EntityIDFromUint64(uint64(row.ID1))
		if err != nil {
			return nil, err
		}
		id2, err := tao.EntityIDFromUint64(uint64(row.ID2))
		if err != nil {
			return nil, err
		}
		out = append(out, tao.AssocStorage{
			Ty:         ty,
			ID1:        id1,
			ID2:        id2,
			LastChange: unixToTime(row.LastChangeUnixtime),
			Data:       row.Data,
		})
	}
	return out, nil
}

func isDuplicateKeyErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
