package paging

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/sqlite"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// RowKey is the StorageKey issued by SQLiteController.
type RowKey int64

func (k RowKey) String() string {
	return "row:" + strconv.FormatInt(int64(k), 10)
}

const pagesSchema = `CREATE TABLE pages (
	id      INTEGER PRIMARY KEY,
	payload BLOB
)`

// SQLiteConfig configures a SQLiteController.
type SQLiteConfig struct {
	// Dir holds the scratch database. Empty means os.TempDir().
	Dir string

	Policy Policy
}

// SQLiteController pages payloads into a per-database SQLite file, one row per
// eviction. Like FileController it frees a row as soon as it is read back.
type SQLiteController struct {
	mu sync.Mutex

	dir    string
	policy Policy

	id   uuid.UUID
	path string
	db   *sql.DB
}

// NewSQLiteController creates an unbound SQLite-backed controller.
func NewSQLiteController(cfg SQLiteConfig) *SQLiteController {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return &SQLiteController{dir: dir, policy: cfg.Policy}
}

func (c *SQLiteController) Name() string { return "sqlite" }

func (c *SQLiteController) Mode() Mode { return c.policy.mode(ModeUnload | ModePage) }

// Bind creates the scratch database exclusively for db.
func (c *SQLiteController) Bind(db uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return errors.NewPaging("bind", "", fmt.Errorf("already bound to %s", c.id))
	}

	path := filepath.Join(c.dir, scratchName(db, ".db"))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.NewPaging("bind", "", fmt.Errorf("%w: %w", errors.ErrBackingStoreUnavailable, err))
	}
	f.Close()

	sdb, err := sqlite.OpenScratch(path)
	if err != nil {
		os.Remove(path)
		return errors.NewPaging("bind", "", fmt.Errorf("%w: %w", errors.ErrBackingStoreUnavailable, err))
	}
	if _, err := sdb.Exec(pagesSchema); err != nil {
		sdb.Close()
		os.Remove(path)
		return errors.NewPaging("bind", "", fmt.Errorf("%w: %w", errors.ErrBackingStoreUnavailable, err))
	}

	c.id = db
	c.path = path
	c.db = sdb
	logging.ControllerLifecycle("bind", c.Name(), db.String(), "path", path, "driver", sqlite.DriverType())
	return nil
}

// Unbind closes and deletes the scratch database.
func (c *SQLiteController) Unbind() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	closeErr := c.db.Close()
	removeErr := os.Remove(c.path)
	logging.ControllerLifecycle("unbind", c.Name(), c.id.String(), "path", c.path)

	c.db = nil
	c.id = uuid.Nil

	if closeErr != nil {
		return errors.NewIO("close", c.path, closeErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return errors.NewIO("remove", c.path, removeErr)
	}
	return nil
}

// Path returns the scratch database path, or "" when unbound.
func (c *SQLiteController) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return ""
	}
	return c.path
}

func (c *SQLiteController) Write(payload []byte) (StorageKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil, errors.NewPaging("write", "", errors.ErrNotBound)
	}
	if payload == nil {
		payload = []byte{}
	}

	res, err := c.db.Exec(`INSERT INTO pages (payload) VALUES (?)`, payload)
	if err != nil {
		return nil, errors.NewPaging("write", "", errors.NewIO("insert", c.path, err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.NewPaging("write", "", errors.NewIO("insert", c.path, err))
	}
	return RowKey(id), nil
}

func (c *SQLiteController) Read(key StorageKey) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil, errors.NewPaging("read", keyString(key), errors.ErrNotBound)
	}
	k, ok := key.(RowKey)
	if !ok {
		return nil, errors.NewPaging("read", keyString(key), fmt.Errorf("foreign storage key %T", key))
	}

	var payload []byte
	err := c.db.QueryRow(`SELECT payload FROM pages WHERE id = ?`, int64(k)).Scan(&payload)
	if err == sql.ErrNoRows {
		logging.CorruptionEvent(c.path, int64(k), "no row for key")
		return nil, errors.NewCorruption(c.path, int64(k), "no row for key")
	}
	if err != nil {
		return nil, errors.NewPaging("read", k.String(), errors.NewIO("select", c.path, err))
	}

	if _, err := c.db.Exec(`DELETE FROM pages WHERE id = ?`, int64(k)); err != nil {
		return nil, errors.NewPaging("read", k.String(), errors.NewIO("delete", c.path, err))
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}

// Discard deletes the row at key.
func (c *SQLiteController) Discard(key StorageKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return errors.NewPaging("discard", keyString(key), errors.ErrNotBound)
	}
	k, ok := key.(RowKey)
	if !ok {
		return errors.NewPaging("discard", keyString(key), fmt.Errorf("foreign storage key %T", key))
	}
	if _, err := c.db.Exec(`DELETE FROM pages WHERE id = ?`, int64(k)); err != nil {
		return errors.NewPaging("discard", k.String(), errors.NewIO("delete", c.path, err))
	}
	return nil
}

// Rows returns how many payloads are currently stored.
func (c *SQLiteController) Rows() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return 0, errors.NewPaging("count", "", errors.ErrNotBound)
	}
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM pages`).Scan(&n); err != nil {
		return 0, errors.NewIO("count", c.path, err)
	}
	return n, nil
}

func (c *SQLiteController) BeforePage(h handle.Handle) Verdict {
	return c.policy.verdict(h)
}

// ScanRows lists the payloads in a scratch database at path. Offset holds
// the row id.
func ScanRows(path string) ([]RecordInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, length(payload) FROM pages ORDER BY id`)
	if err != nil {
		return nil, errors.NewIO("query", path, err)
	}
	defer rows.Close()

	var out []RecordInfo
	for rows.Next() {
		var id int64
		var n uint32
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.NewIO("scan", path, err)
		}
		out = append(out, RecordInfo{Offset: id, Length: n})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewIO("query", path, err)
	}
	return out, nil
}
