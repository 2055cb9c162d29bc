// Package taogorm provides a GORM-backed driver for the tao graph store.
//
// It exists for applications already carrying GORM: the on-disk layout is
// identical to the taobun driver's, so the two are interchangeable against
// the same database file.
package taogorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lemmego/tao"
)

func init() {
	tao.RegisterDriver("gorm", &Factory{})
}

// =====================================
// Row Models
// =====================================

type entRow struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Type int64  `gorm:"column:type;not null"`
	Data []byte `gorm:"column:data"`
}

func (entRow) TableName() string { return "ents" }

type assocRow struct {
	ID1                int64  `gorm:"column:id1;primaryKey;autoIncrement:false"`
	ID2                int64  `gorm:"column:id2;primaryKey;autoIncrement:false"`
	Type               int64  `gorm:"column:type;primaryKey;autoIncrement:false"`
	LastChangeUnixtime int64  `gorm:"column:last_change_unixtime;not null"`
	Data               []byte `gorm:"column:data"`
}

func (assocRow) TableName() string { return "assocs" }

// DDL issued verbatim, not via AutoMigrate, to keep the layout
// bit-compatible with the taobun driver.
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

// Factory implements tao.Factory over GORM.
type Factory struct{}

// Create opens and initializes a store per the given configuration.
func (f *Factory) Create(config tao.Config) (tao.Connection, error) {
	return New(config)
}

// SupportedDrivers returns the list of supported database drivers.
func (f *Factory) SupportedDrivers() []string {
	return []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3", "sqlserver", "mssql"}
}

// Conn is a GORM-backed tao.Connection.
type Conn struct {
	db       *gorm.DB
	tunables *tao.Tunables
	config   tao.Config
}

var _ tao.Connection = (*Conn)(nil)

// New opens the configured database, applies pool settings, and initializes
// the tao tables.
func New(config tao.Config) (*Conn, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	if options, ok := config.Options["gorm"]; ok {
		if gormOpts, ok := options.(map[string]interface{}); ok {
			if logLevel, ok := gormOpts["log_level"].(string); ok {
				switch logLevel {
				case "silent":
					gormConfig.Logger = logger.Default.LogMode(logger.Silent)
				case "error":
					gormConfig.Logger = logger.Default.LogMode(logger.Error)
				case "warn":
					gormConfig.Logger = logger.Default.LogMode(logger.Warn)
				case "info":
					gormConfig.Logger = logger.Default.LogMode(logger.Info)
				}
			}
		}
	}

	var dialector gorm.Dialector
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(buildPostgresDSN(config))
	case "mysql":
		dialector = mysql.Open(buildMySQLDSN(config))
	case "sqlite", "sqlite3", "":
		dialector = sqlite.Open(config.Database)
	case "sqlserver", "mssql":
		dialector = sqlserver.Open(buildSQLServerDSN(config))
	default:
		return nil, tao.NewStorageError(fmt.Errorf("unsupported driver: %s", config.Driver))
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, tao.NewStorageError(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, tao.NewStorageError(err)
	}
	// An in-memory database exists per pool connection; cap the pool so
	// every handle sees the same one.
	if config.Database == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
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

	conn := &Conn{
		db:       db,
		tunables: config.PageTunables(),
		config:   config,
	}
	if err := conn.Initialize(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return conn, nil
}

// NewInMemory opens a fresh in-memory SQLite store.
func NewInMemory() (*Conn, error) {
	return New(tao.Config{Driver: tao.DriverSQLite, Database: ":memory:"})
}

func buildPostgresDSN(config tao.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		config.Username, config.Password, config.Host, config.Port, config.Database)
}

func buildMySQLDSN(config tao.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True",
		config.Username, config.Password, config.Host, config.Port, config.Database)
}

func buildSQLServerDSN(config tao.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		config.Username, config.Password, config.Host, config.Port, config.Database)
}

// =====================================
// Connection Implementation
// =====================================

// Initialize creates the ents and assocs tables if absent. Idempotent.
func (c *Conn) Initialize(ctx context.Context) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(createEntsTable).Error; err != nil {
			return err
		}
		return tx.Exec(createAssocsTable).Error
	})
	return tao.NewStorageError(err)
}

// EntAdd inserts a new entity and returns its assigned ID.
func (c *Conn) EntAdd(ctx context.Context, ty tao.EntityType, data []byte) (tao.EntityID, error) {
	row := entRow{Type: int64(ty.Uint64()), Data: data}
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		return tao.EntityID{}, tao.NewStorageError(err)
	}
	return tao.EntityIDFromUint64(uint64(row.ID))
}

// EntGet fetches the type and data for id.
func (c *Conn) EntGet(ctx context.Context, id tao.EntityID) (tao.EntityType, []byte, error) {
	var rows []entRow
	err := c.db.WithContext(ctx).
		Where("id = ?", int64(id.Uint64())).
		Find(&rows).Error
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
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&entRow{}).
			Where("id = ?", int64(id.Uint64())).
			Update("data", data)
		if res.Error != nil {
			return tao.NewStorageError(res.Error)
		}
		switch {
		case res.RowsAffected == 0:
			return tao.EntNotFoundError{ID: id}
		case res.RowsAffected > 1:
			return tao.EntModifiedTooManyRowsError{
				ID: id, Modified: int(res.RowsAffected), Expected: 1,
			}
		}
		var tys []int64
		if err := tx.Model(&entRow{}).
			Where("id = ?", int64(id.Uint64())).
			Pluck("type", &tys).Error; err != nil {
			return tao.NewStorageError(err)
		}
		if len(tys) != 1 {
			return tao.EntModifiedTooManyRowsError{
				ID: id, Modified: len(tys), Expected: 1,
			}
		}
		tyRaw = tys[0]
		return nil
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
	tx := c.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tao.EntityType{}, nil, tao.NewStorageError(tx.Error)
	}
	rollback := func(err error) (tao.EntityType, []byte, error) {
		tx.Rollback()
		return tao.EntityType{}, nil, err
	}

	raw := int64(id.Uint64())
	if err := tx.Where("id1 = ? OR id2 = ?", raw, raw).Delete(&assocRow{}).Error; err != nil {
		return rollback(tao.NewStorageError(err))
	}

	var rows []entRow
	if err := tx.Where("id = ?", raw).Find(&rows).Error; err != nil {
		return rollback(tao.NewStorageError(err))
	}
	if len(rows) > 0 {
		if err := tx.Where("id = ?", raw).Delete(&entRow{}).Error; err != nil {
			return rollback(tao.NewStorageError(err))
		}
	}
	if err := tx.Commit().Error; err != nil {
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
// time. Insert-only.
func (c *Conn) AssocAdd(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID, data []byte) error {
	row := assocRow{
		ID1:                int64(id1.Uint64()),
		ID2:                int64(id2.Uint64()),
		Type:               int64(ty.Uint64()),
		LastChangeUnixtime: time.Now().UTC().Unix(),
		Data:               data,
	}
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicateKeyErr(err) {
			return tao.AssocAlreadyExistsError{Ty: ty, ID1: id1, ID2: id2}
		}
		return tao.NewStorageError(err)
	}
	return nil
}

// AssocDelete removes the assoc (ty, id1, id2) and returns it.
func (c *Conn) AssocDelete(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID) (tao.AssocStorage, error) {
	var out tao.AssocStorage
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []assocRow
		err := tx.
			Where("type = ? AND id1 = ? AND id2 = ?",
				int64(ty.Uint64()), int64(id1.Uint64()), int64(id2.Uint64())).
			Find(&rows).Error
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
		res := tx.
			Where("type = ? AND id1 = ? AND id2 = ?",
				int64(ty.Uint64()), int64(id1.Uint64()), int64(id2.Uint64())).
			Delete(&assocRow{})
		if res.Error != nil {
			return tao.NewStorageError(res.Error)
		}
		if res.RowsAffected > 1 {
			return tao.AssocModifiedTooManyRowsError{
				Ty: ty, ID1: id1, ID2: id2, Modified: int(res.RowsAffected), Expected: 1,
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

// AssocChangeType rewrites (ty, id1, id2) to carry newTy and returns the
// updated record.
func (c *Conn) AssocChangeType(ctx context.Context, ty tao.AssocType, id1, id2 tao.EntityID, newTy tao.AssocType) (tao.AssocStorage, error) {
	now := time.Now().UTC().Unix()
	var out tao.AssocStorage
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&assocRow{}).
			Where("type = ? AND id1 = ? AND id2 = ?",
				int64(ty.Uint64()), int64(id1.Uint64()), int64(id2.Uint64())).
			Updates(map[string]interface{}{
				"type":                 int64(newTy.Uint64()),
				"last_change_unixtime": now,
			})
		if res.Error != nil {
			return tao.NewStorageError(res.Error)
		}
		switch {
		case res.RowsAffected == 0:
			return tao.AssocNotFoundError{Ty: ty, ID1: id1, ID2: id2}
		case res.RowsAffected > 1:
			return tao.AssocModifiedTooManyRowsError{
				Ty: ty, ID1: id1, ID2: id2, Modified: int(res.RowsAffected), Expected: 1,
			}
		}
		var rows []assocRow
		err := tx.
			Where("type = ? AND id1 = ? AND id2 = ?",
				int64(newTy.Uint64()), int64(id1.Uint64()), int64(id2.Uint64())).
			Find(&rows).Error
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
// optionally bounded by a last-change window.
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
	err := c.db.WithContext(ctx).
		Where("type = ? AND id1 = ?", int64(ty.Uint64()), int64(id1.Uint64())).
		Where("last_change_unixtime <= ? AND last_change_unixtime >= ?", highTs, lowTs).
		Where("id2 IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, tao.NewStorageError(err)
	}
	return assocsFromRows(rows)
}

// AssocCount returns the number of assocs of type ty originating at id1.
func (c *Conn) AssocCount(ctx context.Context, ty tao.AssocType, id1 tao.EntityID) (int, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&assocRow{}).
		Where("type = ? AND id1 = ?", int64(ty.Uint64()), int64(id1.Uint64())).
		Count(&count).Error
	if err != nil {
		return 0, tao.NewStorageError(err)
	}
	return int(count), nil
}

// AssocRange fetches a page of assocs matching (ty, id1), ordered by id2
// ascending, beginning after the cursor.
func (c *Conn) AssocRange(ctx context.Context, ty tao.AssocType, id1 tao.EntityID, after tao.AssocRangeAfter, limit tao.AssocRangeLimit) ([]tao.AssocStorage, error) {
	n, err := c.tunables.ResolvePageLimit(limit)
	if err != nil {
		return nil, err
	}

	var rows []assocRow
	err = c.db.WithContext(ctx).
		Where("type = ? AND id1 = ?", int64(ty.Uint64()), int64(id1.Uint64())).
		Where("id2 > ?", int64(after.Cursor())).
		Order("id2 ASC").
		Limit(n).
		Find(&rows).Error
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
	err = c.db.WithContext(ctx).
		Where("type = ? AND id1 = ?", int64(ty.Uint64()), int64(id1.Uint64())).
		Where("last_change_unixtime >= ? AND last_change_unixtime <= ?", low.Unix(), high.Unix()).
		Order("last_change_unixtime DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, tao.NewStorageError(err)
	}
	return assocsFromRows(rows)
}

// Health checks the underlying database connection.
func (c *Conn) Health() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close releases the underlying database resources.
func (c *Conn) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
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
