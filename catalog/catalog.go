// Package catalog indexes the patches to process and the acquisitions
// (scenes) available over them.
package catalog

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/nci/gomemcache/memcache"
	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/processor"
	"github.com/nci/gridjoin/utils"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrUnknownPatch  = errors.New("patch is not registered in the catalog")
	ErrUnknownDriver = errors.New("unknown catalog driver")
)

var _ processor.CatalogClient = (*Catalog)(nil)

type Catalog struct {
	db     *sql.DB
	driver string
	mc     *memcache.Client
}

// Open connects to the catalog database and brings its schema up to date.
// An empty driver means sqlite. Lookups are cached in memcache when servers
// are given.
func Open(driver, dsn string, memcacheServers ...string) (*Catalog, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog %s: %w", driver, err)
	}

	c := &Catalog{db: db, driver: driver}
	if len(memcacheServers) > 0 {
		// lazy connection; errors returned in .Get
		c.mc = memcache.New(memcacheServers...)
	}
	if err := c.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// OpenConfig opens the catalog described by cfg.
func OpenConfig(cfg *utils.CatalogConfig) (*Catalog, error) {
	return Open(cfg.Driver, cfg.DSN, cfg.Memcache...)
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// rebind turns ? placeholders into $1, $2, ... for postgres.
func (c *Catalog) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func cacheKey(parts ...interface{}) string {
	h := md5.Sum([]byte(fmt.Sprint(parts...)))
	return "gridjoin:" + hex.EncodeToString(h[:])
}

func (c *Catalog) cacheGet(key string, v interface{}) bool {
	if c.mc == nil {
		return false
	}
	item, err := c.mc.Get(key)
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			log.Debug("Catalog: memcache get", zap.Error(err))
		}
		return false
	}
	return json.Unmarshal(item.Value, v) == nil
}

func (c *Catalog) cacheSet(key string, v interface{}) {
	if c.mc == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	// don't care about errors; memcache may not necessarily retain this anyway
	c.mc.Set(&memcache.Item{Key: key, Value: payload})
}

func (c *Catalog) cacheDelete(key string) {
	if c.mc != nil {
		c.mc.Delete(key)
	}
}

// RegisterPatch adds the patch called name, or moves it to bbox if it is
// already registered.
func (c *Catalog) RegisterPatch(ctx context.Context, name string, bbox *utils.BBox) error {
	if err := bbox.Validate(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, c.rebind(`
		INSERT INTO patches (name, min_x, min_y, max_x, max_y, crs) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			min_x = excluded.min_x, min_y = excluded.min_y,
			max_x = excluded.max_x, max_y = excluded.max_y, crs = excluded.crs`),
		name, bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY, string(bbox.CRS))
	if err != nil {
		return fmt.Errorf("register patch %s: %w", name, err)
	}
	c.cacheDelete(cacheKey("patch", name))
	return nil
}

// Patch returns the bbox the patch called name was registered with.
func (c *Catalog) Patch(ctx context.Context, name string) (*utils.BBox, error) {
	key := cacheKey("patch", name)
	var cached utils.BBox
	if c.cacheGet(key, &cached) {
		return &cached, nil
	}

	var b utils.BBox
	var crs string
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT min_x, min_y, max_x, max_y, crs FROM patches WHERE name = ?`), name).
		Scan(&b.MinX, &b.MinY, &b.MaxX, &b.MaxY, &crs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPatch, name)
	}
	if err != nil {
		return nil, err
	}
	b.CRS = utils.CRS(crs)
	c.cacheSet(key, &b)
	return &b, nil
}

// Patches lists the registered patches, optionally restricted to names, as
// requests over the given time interval.
func (c *Catalog) Patches(ctx context.Context, interval processor.TimeInterval, names ...string) ([]*processor.PatchRequest, error) {
	if len(names) > 0 {
		reqs := make([]*processor.PatchRequest, 0, len(names))
		for _, name := range names {
			bbox, err := c.Patch(ctx, name)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, &processor.PatchRequest{Name: name, BBox: bbox, TimeInterval: interval})
		}
		return reqs, nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT name, min_x, min_y, max_x, max_y, crs FROM patches ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*processor.PatchRequest
	for rows.Next() {
		req := &processor.PatchRequest{BBox: &utils.BBox{}, TimeInterval: interval}
		var crs string
		if err := rows.Scan(&req.Name, &req.BBox.MinX, &req.BBox.MinY, &req.BBox.MaxX, &req.BBox.MaxY, &crs); err != nil {
			return nil, err
		}
		req.BBox.CRS = utils.CRS(crs)
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}
