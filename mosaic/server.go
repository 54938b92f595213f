package mosaic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// maxBodyBytes bounds the JSON body of create and update requests.
const maxBodyBytes = 16 << 20

// Server answers catalog, tile and point requests for catalogs named by
// their location in the url parameter.
type Server struct {
	logger     *log.Logger
	compositor *Compositor
	extractor  FootprintExtractor
	cache      *expirable.LRU[string, *Catalog]
	loads      singleflight.Group
	metrics    *metrics
	publicURL  string
	openStore  func(ctx context.Context, location string) (Store, error)
}

// NewServer returns a server reading assets with reader and indexing them
// with extractor. Up to cacheSize catalogs are kept for cacheTTL.
func NewServer(reader RasterReader, extractor FootprintExtractor, logger *log.Logger, cacheSize int, cacheTTL time.Duration, publicURL string) (*Server, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}

	m := createMetrics("", logger)
	compositor := NewCompositor(reader, logger)
	compositor.metrics = m
	if archives, ok := reader.(*ArchiveReader); ok {
		archives.metrics = m
	}

	return &Server{
		logger:     logger,
		compositor: compositor,
		extractor:  extractor,
		cache:      expirable.NewLRU[string, *Catalog](cacheSize, nil, cacheTTL),
		metrics:    m,
		publicURL:  strings.TrimSuffix(publicURL, "/"),
		openStore:  OpenStore,
	}, nil
}

// badRequestError marks malformed request parameters.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string {
	return e.err.Error()
}

func badRequest(format string, args ...interface{}) error {
	return &badRequestError{fmt.Errorf(format, args...)}
}

func errorStatus(err error) int {
	var notFound *NotFoundError
	var tileNotFound *TileNotFoundError
	var bad *badRequestError
	switch {
	case errors.As(err, &notFound), errors.As(err, &tileNotFound):
		return 404
	case errors.As(err, &bad), IsClientError(err):
		return 400
	}
	return 500
}

func (server *Server) errorResponse(httpHeaders map[string]string, err error) (int, map[string]string, []byte) {
	status := errorStatus(err)
	if status == 500 {
		server.logger.Printf("request failed, %v", err)
	}
	httpHeaders["Content-Type"] = "application/json"
	body, _ := json.Marshal(map[string]string{"detail": err.Error()})
	return status, httpHeaders, body
}

func jsonResponse(httpHeaders map[string]string, value interface{}) (int, map[string]string, []byte) {
	body, err := json.Marshal(value)
	if err != nil {
		return 500, httpHeaders, []byte("Error encoding response")
	}
	httpHeaders["Content-Type"] = "application/json"
	return 200, httpHeaders, body
}

// loadCatalog returns the catalog at location, sharing one load between
// concurrent requests and caching the result.
func (server *Server) loadCatalog(ctx context.Context, location string) (*Catalog, error) {
	if location == "" {
		return nil, badRequest("missing url parameter")
	}
	if catalog, ok := server.cache.Get(location); ok {
		server.metrics.cacheRequest("hit")
		return catalog, nil
	}
	server.metrics.cacheRequest("miss")

	// the load outlives any single waiting request
	loadCtx := context.WithoutCancel(ctx)
	value, err, _ := server.loads.Do(location, func() (interface{}, error) {
		store, err := server.openStore(loadCtx, location)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		catalog, err := store.Load(loadCtx)
		server.metrics.catalogLoad(err)
		if err != nil {
			return nil, err
		}
		server.cache.Add(location, catalog)
		return catalog, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Catalog), nil
}

type createRequest struct {
	URL        string            `json:"url"`
	Files      []string          `json:"files"`
	MinZoom    *int              `json:"minzoom"`
	MaxZoom    *int              `json:"maxzoom"`
	MaxThreads int               `json:"max_threads"`
	Metadata   map[string]string `json:"metadata"`
}

type updateRequest struct {
	URL        string   `json:"url"`
	Files      []string `json:"files"`
	AddFirst   bool     `json:"add_first"`
	MaxThreads int      `json:"max_threads"`
}

func decodeBody(body []byte, value interface{}) error {
	if err := json.Unmarshal(body, value); err != nil {
		return badRequest("invalid request body, %v", err)
	}
	return nil
}

func (server *Server) createCatalog(ctx context.Context, httpHeaders map[string]string, body []byte) (int, map[string]string, []byte) {
	var req createRequest
	if err := decodeBody(body, &req); err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	if req.URL == "" {
		return server.errorResponse(httpHeaders, badRequest("missing url"))
	}
	opts := BuildOptions{MinZoom: -1, MaxZoom: -1, Threads: req.MaxThreads, Metadata: req.Metadata}
	if req.MinZoom != nil {
		opts.MinZoom = *req.MinZoom
	}
	if req.MaxZoom != nil {
		opts.MaxZoom = *req.MaxZoom
	}

	store, err := server.openStore(ctx, req.URL)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	defer store.Close()

	catalog, skipped, err := CreateStore(ctx, server.logger, store, server.extractor, req.Files, opts)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	server.cache.Add(req.URL, catalog)
	setSkippedHeader(httpHeaders, skipped)
	return jsonResponse(httpHeaders, catalog)
}

func (server *Server) updateCatalog(ctx context.Context, httpHeaders map[string]string, body []byte) (int, map[string]string, []byte) {
	var req updateRequest
	if err := decodeBody(body, &req); err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	if req.URL == "" {
		return server.errorResponse(httpHeaders, badRequest("missing url"))
	}

	store, err := server.openStore(ctx, req.URL)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	defer store.Close()

	catalog, skipped, err := UpdateStore(ctx, server.logger, store, server.extractor, req.Files, req.AddFirst, req.MaxThreads)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	server.cache.Add(req.URL, catalog)
	setSkippedHeader(httpHeaders, skipped)
	return jsonResponse(httpHeaders, catalog)
}

func setSkippedHeader(httpHeaders map[string]string, skipped []*ExtractError) {
	if len(skipped) == 0 {
		return
	}
	assets := make([]string, len(skipped))
	for i, s := range skipped {
		assets[i] = s.Asset
	}
	httpHeaders["X-Skipped-Assets"] = strings.Join(assets, ",")
}

func (server *Server) getCatalog(ctx context.Context, httpHeaders map[string]string, location string) (int, map[string]string, []byte) {
	catalog, err := server.loadCatalog(ctx, location)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	status, httpHeaders, body := jsonResponse(httpHeaders, catalog)
	if status == 200 {
		httpHeaders["ETag"] = generateEtag(body)
	}
	return status, httpHeaders, body
}

func (server *Server) getBounds(ctx context.Context, httpHeaders map[string]string, location string) (int, map[string]string, []byte) {
	catalog, err := server.loadCatalog(ctx, location)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	return jsonResponse(httpHeaders, map[string]interface{}{"bounds": catalog.Bounds})
}

func (server *Server) getInfo(ctx context.Context, httpHeaders map[string]string, location string) (int, map[string]string, []byte) {
	catalog, err := server.loadCatalog(ctx, location)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	return jsonResponse(httpHeaders, map[string]interface{}{
		"bounds":   catalog.Bounds,
		"center":   catalog.Center,
		"minzoom":  catalog.MinZoom,
		"maxzoom":  catalog.MaxZoom,
		"name":     location,
		"quadkeys": catalog.Quadkeys(),
	})
}

func (server *Server) getTileJSON(ctx context.Context, httpHeaders map[string]string, query url.Values) (int, map[string]string, []byte) {
	location := query.Get("url")
	scale := 1
	if s := query.Get("tile_scale"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 3 {
			return server.errorResponse(httpHeaders, badRequest("tile_scale must be 1, 2 or 3"))
		}
		scale = n
	}
	format, err := ParseImageFormat(query.Get("tile_format"))
	if err != nil {
		return server.errorResponse(httpHeaders, &badRequestError{err})
	}

	catalog, err := server.loadCatalog(ctx, location)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	if server.publicURL == "" {
		return 501, httpHeaders, []byte("PUBLIC_URL must be set for TileJSON")
	}
	body, err := CreateTileJSON(catalog, location, server.publicURL+"/mosaic/tiles", scale, format)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	httpHeaders["Content-Type"] = "application/json"
	return 200, httpHeaders, body
}

var bandIndexPattern = regexp.MustCompile(`\d+`)

// parseIndexes reads 1-based band indexes from every bidx parameter.
func parseIndexes(query url.Values) []int {
	indexes := make([]int, 0)
	for _, v := range query["bidx"] {
		for _, s := range bandIndexPattern.FindAllString(v, -1) {
			n, _ := strconv.Atoi(s)
			indexes = append(indexes, n)
		}
	}
	if len(indexes) == 0 {
		return nil
	}
	return indexes
}

func parseNodata(query url.Values) (*float64, error) {
	v, err := ParseNodata(query.Get("nodata"))
	if err != nil {
		return nil, &badRequestError{err}
	}
	return v, nil
}

func parseMaxThreads(query url.Values) (int, error) {
	s := query.Get("max_threads")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, badRequest("invalid max_threads %q", s)
	}
	return n, nil
}

type timing struct {
	name     string
	duration time.Duration
}

// formatTimings renders step durations in milliseconds.
func formatTimings(timings []timing) string {
	parts := make([]string, len(timings))
	for i, t := range timings {
		parts[i] = fmt.Sprintf("%s - %0.2f", t.name, float64(t.duration.Microseconds())/1000)
	}
	return strings.Join(parts, "; ")
}

func (server *Server) getPoint(ctx context.Context, httpHeaders map[string]string, lon, lat float64, query url.Values) (int, map[string]string, []byte) {
	nodata, err := parseNodata(query)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	threads, err := parseMaxThreads(query)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	catalog, err := server.loadCatalog(ctx, query.Get("url"))
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}

	start := time.Now()
	samples, err := server.compositor.Point(ctx, catalog, PointRequest{
		Lon:        lon,
		Lat:        lat,
		Indexes:    parseIndexes(query),
		Expression: query.Get("expression"),
		Nodata:     nodata,
		MaxThreads: threads,
	})
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	httpHeaders["X-Server-Timings"] = formatTimings([]timing{{"Read-values", time.Since(start)}})
	return jsonResponse(httpHeaders, map[string]interface{}{
		"coordinates": []float64{lon, lat},
		"values":      samples,
	})
}

func (server *Server) getTile(ctx context.Context, httpHeaders map[string]string, z, x, y uint32, scale int, ext string, query url.Values) (int, map[string]string, []byte) {
	if scale < 1 || scale > 3 {
		return server.errorResponse(httpHeaders, badRequest("scale must be 1, 2 or 3"))
	}
	if z > MaxZoom {
		return server.errorResponse(httpHeaders, badRequest("zoom must be at most %d", MaxZoom))
	}
	format, err := ParseImageFormat(ext)
	if err != nil {
		return server.errorResponse(httpHeaders, &badRequestError{err})
	}
	method, err := ParsePixelSelection(query.Get("pixel_selection"))
	if err != nil {
		return server.errorResponse(httpHeaders, &badRequestError{err})
	}
	nodata, err := parseNodata(query)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	threads, err := parseMaxThreads(query)
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	var ranges []Range
	if rescale := query["rescale"]; len(rescale) > 0 {
		ranges, err = ParseRescale(rescale)
		if err != nil {
			return server.errorResponse(httpHeaders, &badRequestError{err})
		}
	}

	catalog, err := server.loadCatalog(ctx, query.Get("url"))
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}

	timings := make([]timing, 0, 3)
	start := time.Now()
	result, err := server.compositor.Tile(ctx, catalog, TileRequest{
		Z:              z,
		X:              x,
		Y:              y,
		PixelSelection: method,
		TileSize:       DefaultTileSize * scale,
		Indexes:        parseIndexes(query),
		Expression:     query.Get("expression"),
		Nodata:         nodata,
		MaxThreads:     threads,
	})
	if err != nil {
		return server.errorResponse(httpHeaders, err)
	}
	timings = append(timings, timing{"Read-tile", time.Since(start)})

	if format == "" {
		format = AutoFormat(result.Raster)
	}

	start = time.Now()
	Rescale(result.Raster, ranges)
	timings = append(timings, timing{"Post-process", time.Since(start)})

	start = time.Now()
	body, err := Encode(result.Raster, format, EncodeOptions{})
	if err != nil {
		return server.errorResponse(httpHeaders, &badRequestError{err})
	}
	timings = append(timings, timing{"Format", time.Since(start)})

	httpHeaders["Content-Type"] = format.ContentType()
	httpHeaders["X-Server-Timings"] = formatTimings(timings)
	if len(result.AssetsUsed) > 0 {
		httpHeaders["X-Assets"] = strings.Join(result.AssetsUsed, ",")
	}
	return 200, httpHeaders, body
}

var tilePattern = regexp.MustCompile(`^/mosaic/tiles/(?:WebMercatorQuad/)?(\d+)/(\d+)/(\d+)(?:@(\d+)x)?(?:\.([a-z]+))?$`)
var pointPattern = regexp.MustCompile(`^/mosaic/point/([-+0-9.eE]+),([-+0-9.eE]+)$`)

func parseTilePath(path string) (bool, uint32, uint32, uint32, int, string) {
	if res := tilePattern.FindStringSubmatch(path); res != nil {
		z, errZ := strconv.ParseUint(res[1], 10, 32)
		x, errX := strconv.ParseUint(res[2], 10, 32)
		y, errY := strconv.ParseUint(res[3], 10, 32)
		if errZ != nil || errX != nil || errY != nil {
			return false, 0, 0, 0, 0, ""
		}
		scale := 1
		if res[4] != "" {
			scale, _ = strconv.Atoi(res[4])
		}
		return true, uint32(z), uint32(x), uint32(y), scale, res[5]
	}
	return false, 0, 0, 0, 0, ""
}

func parsePointPath(path string) (bool, float64, float64) {
	if res := pointPattern.FindStringSubmatch(path); res != nil {
		lon, errLon := strconv.ParseFloat(res[1], 64)
		lat, errLat := strconv.ParseFloat(res[2], 64)
		if errLon == nil && errLat == nil {
			return true, lon, lat
		}
	}
	return false, 0, 0
}

func handlerName(path string) string {
	switch {
	case strings.HasPrefix(path, "/mosaic/tiles/"):
		return "tile"
	case strings.HasPrefix(path, "/mosaic/point/"):
		return "point"
	case path == "/mosaic/tilejson.json":
		return "tilejson"
	case path == "/mosaic/bounds":
		return "bounds"
	case path == "/mosaic/info":
		return "info"
	case path == "/mosaic" || path == "/mosaic/":
		return "mosaic"
	}
	return "other"
}

// Handle serves one request and returns the status, headers and body.
func (server *Server) Handle(ctx context.Context, method, path string, query url.Values, body []byte) (int, map[string]string, []byte) {
	tracker := server.metrics.startRequest()
	status, headers, responseBody := server.route(ctx, method, path, query, body)
	tracker.finish(ctx, handlerName(path), status, len(responseBody))
	return status, headers, responseBody
}

func (server *Server) route(ctx context.Context, method, path string, query url.Values, body []byte) (int, map[string]string, []byte) {
	httpHeaders := make(map[string]string)

	if path == "/mosaic" || path == "/mosaic/" {
		switch method {
		case http.MethodGet, http.MethodHead:
			return server.getCatalog(ctx, httpHeaders, query.Get("url"))
		case http.MethodPost:
			return server.createCatalog(ctx, httpHeaders, body)
		case http.MethodPut:
			return server.updateCatalog(ctx, httpHeaders, body)
		}
		return 405, httpHeaders, []byte("Method not allowed")
	}

	if method != http.MethodGet && method != http.MethodHead {
		return 405, httpHeaders, []byte("Method not allowed")
	}
	if ok, z, x, y, scale, ext := parseTilePath(path); ok {
		return server.getTile(ctx, httpHeaders, z, x, y, scale, ext, query)
	}
	if ok, lon, lat := parsePointPath(path); ok {
		return server.getPoint(ctx, httpHeaders, lon, lat, query)
	}
	switch path {
	case "/mosaic/bounds":
		return server.getBounds(ctx, httpHeaders, query.Get("url"))
	case "/mosaic/info":
		return server.getInfo(ctx, httpHeaders, query.Get("url"))
	case "/mosaic/tilejson.json":
		return server.getTileJSON(ctx, httpHeaders, query)
	case "/":
		return 204, httpHeaders, []byte{}
	}
	return 404, httpHeaders, []byte("Path not found")
}

// ServeHTTP adapts Handle to net/http.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			w.WriteHeader(400)
			return
		}
	}
	status, headers, responseBody := server.Handle(r.Context(), r.Method, r.URL.Path, r.URL.Query(), body)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(responseBody)
	}
}
