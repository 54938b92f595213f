package caddy

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/protomaps/go-mosaic/mosaic"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("mosaic_proxy", parseCaddyfile)
}

// Middleware serves catalogs, composited tiles and point queries under /mosaic.
type Middleware struct {
	CacheSize    int            `json:"cache_size"`
	CacheTTL     caddy.Duration `json:"cache_ttl"`
	CacheEntries int            `json:"cache_entries"`
	PublicURL    string         `json:"public_url"`
	logger       *zap.Logger
	reader       *mosaic.ArchiveReader
	server       *mosaic.Server
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.mosaic_proxy",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	logger := log.New(io.Discard, "", log.Ldate)
	mosaic.SetQuietMode(true)
	reader, err := mosaic.NewArchiveReader(logger, m.CacheEntries)
	if err != nil {
		return err
	}
	server, err := mosaic.NewServer(reader, reader, logger, m.CacheSize, time.Duration(m.CacheTTL), m.PublicURL)
	if err != nil {
		reader.Close()
		return err
	}
	m.reader = reader
	m.server = server
	return nil
}

func (m *Middleware) Validate() error {
	if m.CacheSize <= 0 {
		m.CacheSize = 64
	}
	if m.CacheTTL <= 0 {
		m.CacheTTL = caddy.Duration(time.Minute)
	}
	if m.CacheEntries <= 0 {
		m.CacheEntries = mosaic.DefaultArchiveCacheEntries
	}
	return nil
}

func (m *Middleware) Cleanup() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if r.URL.Path != "/mosaic" && !strings.HasPrefix(r.URL.Path, "/mosaic/") {
		return next.ServeHTTP(w, r)
	}
	start := time.Now()
	rec := caddyhttp.NewResponseRecorder(w, nil, nil)
	m.server.ServeHTTP(rec, r)
	m.logger.Info("response", zap.Int("status", rec.Status()), zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "cache_size", "cache_entries":
				key := d.Val()
				var value string
				if !d.Args(&value) {
					return d.ArgErr()
				}
				num, err := strconv.Atoi(value)
				if err != nil {
					return d.ArgErr()
				}
				if key == "cache_size" {
					m.CacheSize = num
				} else {
					m.CacheEntries = num
				}
			case "cache_ttl":
				var value string
				if !d.Args(&value) {
					return d.ArgErr()
				}
				ttl, err := caddy.ParseDuration(value)
				if err != nil {
					return d.Errf("invalid cache_ttl %q, %v", value, err)
				}
				m.CacheTTL = caddy.Duration(ttl)
			case "public_url":
				if !d.Args(&m.PublicURL) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unrecognized subdirective %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
