// Package store persists and retrieves collection points from MySQL via GORM.
// Coordinates live in the legacy schema as strings; the store parses them on
// the way out and drops rows whose coordinates are missing or malformed, so
// callers only ever see usable points.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphroute/tphroute/internal/config"
)

// ErrNoPoints is returned when a fetch matches no usable rows.
var ErrNoPoints = errors.New("no points match the given filters")

// TPH is the GORM model for the legacy `tph` table. Lat and Lon are stored
// as text; empty string means the point was registered without a GPS fix.
type TPH struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	Nomor        int    `gorm:"column:nomor"`
	DeptAbbr     string `gorm:"column:dept_abbr"`
	DivisiAbbr   string `gorm:"column:divisi_abbr"`
	BlokKode     string `gorm:"column:blok_kode"`
	Lat          string `gorm:"column:lat"`
	Lon          string `gorm:"column:lon"`
	KodeTPH      string `gorm:"column:kode_tph"`
	DisplayOrder int    `gorm:"column:display_order"`
	Status       int    `gorm:"column:status"`
}

// TableName implements gorm's Tabler.
func (TPH) TableName() string { return "tph" }

// Point is a fetched collection point with parsed coordinates.
type Point struct {
	ID         int64   `json:"id"`
	Nomor      int     `json:"nomor"`
	DeptAbbr   string  `json:"dept_abbr"`
	DivisiAbbr string  `json:"divisi_abbr"`
	BlokKode   string  `json:"blok_kode"`
	KodeTPH    string  `json:"tph"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Filter narrows a fetch. Dept matches exactly; Divisi and Blok match as
// substrings, mirroring how the field teams query the legacy tables. Empty
// fields are ignored.
type Filter struct {
	Dept   string
	Divisi string
	Blok   string
}

// Store wraps the GORM handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to MySQL with a bounded retry loop. In container deployments
// the database regularly comes up after the service; retrying here beats
// crash-looping the whole process.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	dsn := cfg.DSN.Value()
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true",
			cfg.User, cfg.Password.Value(), cfg.Host, cfg.Port, cfg.Name)
	}

	backoff, err := config.ParseDuration(cfg.ConnectBackoff, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid connect_backoff: %w", err)
	}
	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}

	var db *gorm.DB
	for attempt := 0; ; attempt++ {
		db, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err == nil {
			break
		}
		if attempt >= retries {
			return nil, fmt.Errorf("connect to mysql: %w", err)
		}
		logger.Warn("database connection failed, retrying",
			"attempt", attempt+1, "retries", retries, "backoff", backoff, "error", err)
		time.Sleep(backoff)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if lifetime, err := config.ParseDuration(cfg.ConnMaxLifetime, 0); err == nil && lifetime > 0 {
		sqlDB.SetConnMaxLifetime(lifetime)
	}

	s := &Store{db: db, logger: logger}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&TPH{}); err != nil {
			return nil, fmt.Errorf("auto-migrate tph table: %w", err)
		}
	}

	return s, nil
}

// NewWithDB wraps an existing GORM handle. Used by tests with sqlite.
func NewWithDB(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Ping verifies database connectivity. Implements observability.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FetchPoints returns active points matching the filter, ordered by their
// current number. Rows without a coordinate fix are excluded in SQL; rows
// whose coordinate text fails to parse are dropped with a warning rather
// than failing the whole fetch.
func (s *Store) FetchPoints(ctx context.Context, f Filter) ([]Point, error) {
	q := s.db.WithContext(ctx).
		Where("status = ?", 1).
		Where("lat IS NOT NULL AND lat != ''").
		Where("lon IS NOT NULL AND lon != ''")

	if f.Dept != "" {
		q = q.Where("dept_abbr = ?", f.Dept)
	}
	if f.Divisi != "" {
		q = q.Where("divisi_abbr LIKE ?", "%"+f.Divisi+"%")
	}
	if f.Blok != "" {
		q = q.Where("blok_kode LIKE ?", "%"+f.Blok+"%")
	}

	var rows []TPH
	if err := q.Order("nomor ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch points: %w", err)
	}

	points := make([]Point, 0, len(rows))
	for _, row := range rows {
		lat, err := strconv.ParseFloat(row.Lat, 64)
		if err != nil {
			s.logger.Warn("skipping point with malformed latitude", "id", row.ID, "lat", row.Lat)
			continue
		}
		lon, err := strconv.ParseFloat(row.Lon, 64)
		if err != nil {
			s.logger.Warn("skipping point with malformed longitude", "id", row.ID, "lon", row.Lon)
			continue
		}
		points = append(points, Point{
			ID:         row.ID,
			Nomor:      row.Nomor,
			DeptAbbr:   row.DeptAbbr,
			DivisiAbbr: row.DivisiAbbr,
			BlokKode:   row.BlokKode,
			KodeTPH:    row.KodeTPH,
			Lat:        lat,
			Lon:        lon,
		})
	}

	if len(points) == 0 {
		return nil, ErrNoPoints
	}

	return points, nil
}

// UpdateDisplayOrder persists the visiting sequence: the first id gets
// display_order 1, the second 2, and so on. Runs in a single transaction so
// a partial ordering is never visible.
func (s *Store) UpdateDisplayOrder(ctx context.Context, orderedIDs []int64) error {
	return s.updateSequence(ctx, "display_order", orderedIDs)
}

// UpdateNumbers renumbers the points themselves to match the visiting
// sequence, rewriting `nomor` for every id in order.
func (s *Store) UpdateNumbers(ctx context.Context, orderedIDs []int64) error {
	return s.updateSequence(ctx, "nomor", orderedIDs)
}

func (s *Store) updateSequence(ctx context.Context, column string, orderedIDs []int64) error {
	if len(orderedIDs) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, id := range orderedIDs {
			res := tx.Model(&TPH{}).Where("id = ?", id).Update(column, i+1)
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}

	s.logger.Info("persisted route sequence", "column", column, "points", len(orderedIDs))
	return nil
}
