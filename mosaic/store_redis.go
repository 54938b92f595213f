package mosaic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
)

// RedisStore keeps a catalog in two keys: a JSON header at mosaic:{name}
// and a hash from quadkey to asset list at mosaic:{name}:tiles.
type RedisStore struct {
	rdb  *redis.Client
	name string
	addr string
}

// redisHeader is a catalog without its tiles.
type redisHeader struct {
	Version     string            `json:"mosaicjson"`
	MinZoom     int               `json:"minzoom"`
	MaxZoom     int               `json:"maxzoom"`
	QuadkeyZoom *int              `json:"quadkey_zoom,omitempty"`
	Bounds      [4]float64        `json:"bounds"`
	Center      [3]float64        `json:"center"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OpenRedisStore connects to a location of the form redis://host:port/db?name=name.
func OpenRedisStore(ctx context.Context, location string) (*RedisStore, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	name := q.Get("name")
	if name == "" {
		return nil, fmt.Errorf("redis location %s has no name parameter", location)
	}
	q.Del("name")
	u.RawQuery = q.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, err
	}
	opts.MaintNotificationsConfig = &maintnotifications.Config{
		Mode: maintnotifications.ModeDisabled,
	}
	return NewRedisStore(ctx, redis.NewClient(opts), name)
}

// NewRedisStore checks the connection and returns a store for name.
func NewRedisStore(ctx context.Context, rdb *redis.Client, name string) (*RedisStore, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, name: name, addr: rdb.Options().Addr}, nil
}

func (s *RedisStore) headerKey() string {
	return "mosaic:" + s.name
}

func (s *RedisStore) tilesKey() string {
	return "mosaic:" + s.name + ":tiles"
}

func (s *RedisStore) Load(ctx context.Context) (*Catalog, error) {
	data, err := s.rdb.Get(ctx, s.headerKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &NotFoundError{Location: s.String()}
	}
	if err != nil {
		return nil, err
	}
	var header redisHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to decode %s, %w", s, err)
	}

	fields, err := s.rdb.HGetAll(ctx, s.tilesKey()).Result()
	if err != nil {
		return nil, err
	}

	catalog := newCatalog(header.MinZoom, header.MaxZoom)
	catalog.Version = header.Version
	catalog.QuadkeyZoom = header.QuadkeyZoom
	catalog.Bounds = header.Bounds
	catalog.Center = header.Center
	catalog.Metadata = header.Metadata
	for key, value := range fields {
		var assets []string
		if err := json.Unmarshal([]byte(value), &assets); err != nil {
			return nil, fmt.Errorf("failed to decode quadkey %s, %w", key, err)
		}
		catalog.Tiles[key] = assets
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Save replaces both keys in one MULTI/EXEC transaction.
func (s *RedisStore) Save(ctx context.Context, catalog *Catalog) error {
	header, err := json.Marshal(redisHeader{
		Version:     catalog.Version,
		MinZoom:     catalog.MinZoom,
		MaxZoom:     catalog.MaxZoom,
		QuadkeyZoom: catalog.QuadkeyZoom,
		Bounds:      catalog.Bounds,
		Center:      catalog.Center,
		Metadata:    catalog.Metadata,
	})
	if err != nil {
		return err
	}
	fields := make(map[string]any, len(catalog.Tiles))
	for key, assets := range catalog.Tiles {
		b, err := json.Marshal(assets)
		if err != nil {
			return err
		}
		fields[key] = string(b)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.headerKey(), s.tilesKey())
		p.Set(ctx, s.headerKey(), header, 0)
		if len(fields) > 0 {
			p.HSet(ctx, s.tilesKey(), fields)
		}
		return nil
	})
	return err
}

func (s *RedisStore) SupportsUpdate() bool {
	return true
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) String() string {
	return "redis://" + s.addr + "?name=" + s.name
}
