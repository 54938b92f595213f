package mosaic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mosaic_metadata (
	name TEXT PRIMARY KEY,
	mosaicjson TEXT NOT NULL,
	minzoom INTEGER NOT NULL,
	maxzoom INTEGER NOT NULL,
	quadkey_zoom INTEGER,
	bounds TEXT NOT NULL,
	center TEXT NOT NULL,
	metadata TEXT
);
CREATE TABLE IF NOT EXISTS mosaic_tiles (
	name TEXT NOT NULL,
	quadkey TEXT NOT NULL,
	assets TEXT NOT NULL,
	PRIMARY KEY (name, quadkey)
);
`

// SQLiteStore keeps named catalogs in a SQLite database, one row per quadkey.
type SQLiteStore struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	path string
	name string
}

// OpenSQLiteStore opens a location of the form sqlite:///path/to/db.sqlite:name,
// creating the database when needed.
func OpenSQLiteStore(location string) (*SQLiteStore, error) {
	rest := strings.TrimPrefix(location, "sqlite://")
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return nil, fmt.Errorf("sqlite location %s must end in :name", location)
	}
	return NewSQLiteStore(rest[:i], rest[i+1:])
}

// NewSQLiteStore opens the catalog called name in the database at path.
func NewSQLiteStore(path string, name string) (*SQLiteStore, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL)
	if err != nil {
		return nil, err
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema, %w", err)
	}
	return &SQLiteStore{conn: conn, path: path, name: name}, nil
}

func (s *SQLiteStore) Load(_ context.Context) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var catalog *Catalog
	var decodeErr error
	err := sqlitex.Execute(s.conn, "SELECT mosaicjson, minzoom, maxzoom, bounds, center, metadata, quadkey_zoom FROM mosaic_metadata WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{s.name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			catalog = &Catalog{
				Version: stmt.ColumnText(0),
				MinZoom: stmt.ColumnInt(1),
				MaxZoom: stmt.ColumnInt(2),
				Tiles:   make(map[string][]string),
			}
			if stmt.ColumnType(6) != sqlite.TypeNull {
				qz := stmt.ColumnInt(6)
				catalog.QuadkeyZoom = &qz
			}
			if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &catalog.Bounds); err != nil {
				decodeErr = err
			}
			if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &catalog.Center); err != nil {
				decodeErr = err
			}
			if metadata := stmt.ColumnText(5); metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &catalog.Metadata); err != nil {
					decodeErr = err
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, &NotFoundError{Location: s.String()}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s, %w", s, decodeErr)
	}

	err = sqlitex.Execute(s.conn, "SELECT quadkey, assets FROM mosaic_tiles WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{s.name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var assets []string
			if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &assets); err != nil {
				return err
			}
			catalog.Tiles[stmt.ColumnText(0)] = assets
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Save replaces the catalog inside one savepoint.
func (s *SQLiteStore) Save(_ context.Context, catalog *Catalog) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bounds, _ := json.Marshal(catalog.Bounds)
	center, _ := json.Marshal(catalog.Center)
	var quadkeyZoom any
	if catalog.QuadkeyZoom != nil {
		quadkeyZoom = *catalog.QuadkeyZoom
	}
	var metadata any
	if len(catalog.Metadata) > 0 {
		b, _ := json.Marshal(catalog.Metadata)
		metadata = string(b)
	}

	defer sqlitex.Save(s.conn)(&err)

	if err = sqlitex.Execute(s.conn, "DELETE FROM mosaic_tiles WHERE name = ?", &sqlitex.ExecOptions{Args: []any{s.name}}); err != nil {
		return err
	}
	err = sqlitex.Execute(s.conn, "INSERT OR REPLACE INTO mosaic_metadata (name, mosaicjson, minzoom, maxzoom, quadkey_zoom, bounds, center, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{s.name, catalog.Version, catalog.MinZoom, catalog.MaxZoom, quadkeyZoom, string(bounds), string(center), metadata},
	})
	if err != nil {
		return err
	}

	stmt := s.conn.Prep("INSERT INTO mosaic_tiles (name, quadkey, assets) VALUES (?, ?, ?)")
	for _, key := range catalog.Quadkeys() {
		assets, _ := json.Marshal(catalog.Tiles[key])
		stmt.BindText(1, s.name)
		stmt.BindText(2, key)
		stmt.BindText(3, string(assets))
		if _, err = stmt.Step(); err != nil {
			return err
		}
		if err = stmt.Reset(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SupportsUpdate() bool {
	return true
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) String() string {
	return "sqlite://" + s.path + ":" + s.name
}
