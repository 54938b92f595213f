package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/protomaps/go-mosaic/mosaic"
	"github.com/rs/cors"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Create struct {
		Input       []string `arg:"" optional:"" help:"Archive assets, as paths or bucket URLs."`
		Output      string   `required:"" short:"o" help:"Catalog location: path, file://, s3://, gs://, azblob://, sqlite://path:name or redis://host/db?name=..."`
		Footprints  string   `help:"GeoJSON FeatureCollection of asset footprints, with the asset in the path property." type:"existingfile"`
		Minzoom     int      `default:"-1" help:"Catalog minzoom, derived from the assets when -1."`
		Maxzoom     int      `default:"-1" help:"Catalog maxzoom, derived from the assets when -1."`
		Threads     int      `env:"MOSAIC_CONCURRENCY" help:"Concurrent footprint extractions."`
		Name        string   `help:"Name stored in the catalog metadata."`
		Description string   `help:"Description stored in the catalog metadata."`
		Attribution string   `help:"Attribution stored in the catalog metadata."`
		Quiet       bool     `help:"Suppress progress bars."`
	} `cmd:"" help:"Create a catalog from a list of assets."`

	Update struct {
		Location   string   `arg:"" help:"Catalog location."`
		Input      []string `arg:"" optional:"" help:"Assets to add."`
		Footprints string   `help:"GeoJSON FeatureCollection of asset footprints." type:"existingfile"`
		AddFirst   bool     `help:"Give the new assets priority over the existing ones."`
		Threads    int      `env:"MOSAIC_CONCURRENCY" help:"Concurrent footprint extractions."`
		Quiet      bool     `help:"Suppress progress bars."`
	} `cmd:"" help:"Add assets to an existing catalog."`

	Show struct {
		Location string `arg:"" help:"Catalog location, or an archive with --asset."`
		Asset    bool   `help:"Inspect a single archive asset instead of a catalog."`
	} `cmd:"" help:"Inspect a catalog or an asset."`

	Tile struct {
		Location       string   `arg:""`
		Z              uint32   `arg:""`
		X              uint32   `arg:""`
		Y              uint32   `arg:""`
		PixelSelection string   `default:"first" enum:"first,highest,lowest,mean,median,stdev" help:"Pixel selection method."`
		Scale          int      `default:"1" help:"Tile scale, 1 to 3."`
		Format         string   `help:"Output format: png, jpg or webp. Chosen from the mask when empty."`
		Bidx           []int    `help:"Band indexes, starting at 1."`
		Nodata         string   `help:"Nodata value overriding the assets, or nan."`
		Rescale        []string `help:"min,max range per band." sep:"none"`
		Threads        int      `help:"Concurrent asset reads."`
		CacheEntries   int      `default:"4096" help:"Number of archive directories to cache."`
	} `cmd:"" help:"Composite one tile and write it to stdout."`

	Point struct {
		Location     string   `arg:""`
		Lon          float64  `arg:""`
		Lat          float64  `arg:""`
		Bidx         []int    `help:"Band indexes, starting at 1."`
		Nodata       string   `help:"Nodata value overriding the assets, or nan."`
		Threads      int      `help:"Concurrent asset reads."`
		CacheEntries int      `default:"4096" help:"Number of archive directories to cache."`
	} `cmd:"" help:"Print the values every asset has at a coordinate."`

	Serve struct {
		Port         int           `default:"8080"`
		AdminPort    int           `default:"-1" help:"Serve /metrics on a separate port, -1 to serve it with the tiles."`
		Cors         string        `help:"Comma-separated CORS allowed origins."`
		CacheSize    int           `default:"64" help:"Number of catalogs to cache."`
		CacheTTL     time.Duration `default:"1m" name:"cache-ttl" help:"How long a cached catalog is reused."`
		CacheEntries int           `default:"4096" help:"Number of archive directories to cache."`
		PublicURL    string        `name:"public-url" help:"Public URL of the tile endpoint e.g. https://example.com"`
	} `cmd:"" help:"Run an HTTP server for catalogs, tiles and point queries."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func metadata() map[string]string {
	result := make(map[string]string)
	if cli.Create.Name != "" {
		result["name"] = cli.Create.Name
	}
	if cli.Create.Description != "" {
		result["description"] = cli.Create.Description
	}
	if cli.Create.Attribution != "" {
		result["attribution"] = cli.Create.Attribution
	}
	return result
}

// extractorFor returns the footprint source and asset list for a build: the
// archives themselves, or a GeoJSON file naming the assets.
func extractorFor(logger *log.Logger, footprints string, input []string) (mosaic.FootprintExtractor, []string, func(), error) {
	if footprints != "" {
		data, err := os.ReadFile(footprints)
		if err != nil {
			return nil, nil, nil, err
		}
		g, err := mosaic.UnmarshalFootprints(data)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(input) == 0 {
			input = g.Assets()
		}
		return g, input, func() {}, nil
	}
	reader, err := mosaic.NewArchiveReader(logger, mosaic.DefaultArchiveCacheEntries)
	if err != nil {
		return nil, nil, nil, err
	}
	return reader, input, func() { reader.Close() }, nil
}

func logSkipped(logger *log.Logger, skipped []*mosaic.ExtractError) {
	for _, s := range skipped {
		logger.Printf("skipped %s", s)
	}
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ctx := kong.Parse(&cli)
	background := context.Background()

	switch ctx.Command() {
	case "create", "create <input>":
		mosaic.SetQuietMode(cli.Create.Quiet)
		extractor, assets, done, err := extractorFor(logger, cli.Create.Footprints, cli.Create.Input)
		if err != nil {
			logger.Fatalf("Failed to read footprints, %v", err)
		}
		defer done()

		store, err := mosaic.OpenStore(background, cli.Create.Output)
		if err != nil {
			logger.Fatalf("Failed to open %s, %v", cli.Create.Output, err)
		}
		defer store.Close()

		opts := mosaic.DefaultBuildOptions()
		opts.MinZoom = cli.Create.Minzoom
		opts.MaxZoom = cli.Create.Maxzoom
		opts.Threads = cli.Create.Threads
		opts.Metadata = metadata()
		catalog, skipped, err := mosaic.CreateStore(background, logger, store, extractor, assets, opts)
		logSkipped(logger, skipped)
		if err != nil {
			logger.Fatalf("Failed to create catalog, %v", err)
		}
		logger.Printf("created %s with %d assets", store, len(catalog.Assets()))
	case "update <location>", "update <location> <input>":
		mosaic.SetQuietMode(cli.Update.Quiet)
		extractor, assets, done, err := extractorFor(logger, cli.Update.Footprints, cli.Update.Input)
		if err != nil {
			logger.Fatalf("Failed to read footprints, %v", err)
		}
		defer done()

		store, err := mosaic.OpenStore(background, cli.Update.Location)
		if err != nil {
			logger.Fatalf("Failed to open %s, %v", cli.Update.Location, err)
		}
		defer store.Close()

		_, skipped, err := mosaic.UpdateStore(background, logger, store, extractor, assets, cli.Update.AddFirst, cli.Update.Threads)
		logSkipped(logger, skipped)
		if err != nil {
			logger.Fatalf("Failed to update catalog, %v", err)
		}
	case "show <location>":
		var err error
		if cli.Show.Asset {
			var reader *mosaic.ArchiveReader
			reader, err = mosaic.NewArchiveReader(logger, mosaic.DefaultArchiveCacheEntries)
			if err != nil {
				logger.Fatalf("Failed to create reader, %v", err)
			}
			defer reader.Close()
			err = mosaic.ShowAsset(background, reader, cli.Show.Location, os.Stdout)
		} else {
			err = mosaic.Show(background, cli.Show.Location, os.Stdout)
		}
		if err != nil {
			logger.Fatalf("Failed to show %s, %v", cli.Show.Location, err)
		}
	case "tile <location> <z> <x> <y>":
		if err := writeTile(background, logger); err != nil {
			logger.Fatalf("Failed to composite tile, %v", err)
		}
	case "point <location> <lon> <lat>":
		if err := writePoint(background, logger); err != nil {
			logger.Fatalf("Failed to read point, %v", err)
		}
	case "serve":
		serve(logger)
	case "version":
		mosaic.SetBuildInfo(version, commit, date)
		fmt.Printf("mosaic %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}

func loadCatalog(ctx context.Context, location string) (*mosaic.Catalog, error) {
	store, err := mosaic.OpenStore(ctx, location)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(ctx)
}

func writeTile(ctx context.Context, logger *log.Logger) error {
	method, err := mosaic.ParsePixelSelection(cli.Tile.PixelSelection)
	if err != nil {
		return err
	}
	format, err := mosaic.ParseImageFormat(cli.Tile.Format)
	if err != nil {
		return err
	}
	if cli.Tile.Scale < 1 || cli.Tile.Scale > 3 {
		return fmt.Errorf("scale must be 1, 2 or 3")
	}
	ranges, err := mosaic.ParseRescale(cli.Tile.Rescale)
	if err != nil {
		return err
	}
	nodata, err := mosaic.ParseNodata(cli.Tile.Nodata)
	if err != nil {
		return err
	}

	catalog, err := loadCatalog(ctx, cli.Tile.Location)
	if err != nil {
		return err
	}
	reader, err := mosaic.NewArchiveReader(logger, cli.Tile.CacheEntries)
	if err != nil {
		return err
	}
	defer reader.Close()

	result, err := mosaic.NewCompositor(reader, logger).Tile(ctx, catalog, mosaic.TileRequest{
		Z:              cli.Tile.Z,
		X:              cli.Tile.X,
		Y:              cli.Tile.Y,
		PixelSelection: method,
		TileSize:       mosaic.DefaultTileSize * cli.Tile.Scale,
		Indexes:        cli.Tile.Bidx,
		Nodata:         nodata,
		MaxThreads:     cli.Tile.Threads,
	})
	if err != nil {
		return err
	}
	for _, failure := range result.Failed {
		logger.Printf("skipped %s", failure)
	}
	logger.Printf("assets used: %s", strings.Join(result.AssetsUsed, ","))

	if format == "" {
		format = mosaic.AutoFormat(result.Raster)
	}
	mosaic.Rescale(result.Raster, ranges)
	data, err := mosaic.Encode(result.Raster, format, mosaic.EncodeOptions{})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func writePoint(ctx context.Context, logger *log.Logger) error {
	nodata, err := mosaic.ParseNodata(cli.Point.Nodata)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(ctx, cli.Point.Location)
	if err != nil {
		return err
	}
	reader, err := mosaic.NewArchiveReader(logger, cli.Point.CacheEntries)
	if err != nil {
		return err
	}
	defer reader.Close()

	samples, err := mosaic.NewCompositor(reader, logger).Point(ctx, catalog, mosaic.PointRequest{
		Lon:        cli.Point.Lon,
		Lat:        cli.Point.Lat,
		Indexes:    cli.Point.Bidx,
		Nodata:     nodata,
		MaxThreads: cli.Point.Threads,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"coordinates": []float64{cli.Point.Lon, cli.Point.Lat},
		"values":      samples,
	})
}

func serve(logger *log.Logger) {
	mosaic.SetQuietMode(true)
	mosaic.SetBuildInfo(version, commit, date)

	reader, err := mosaic.NewArchiveReader(logger, cli.Serve.CacheEntries)
	if err != nil {
		logger.Fatalf("Failed to create reader, %v", err)
	}
	defer reader.Close()

	server, err := mosaic.NewServer(reader, reader, logger, cli.Serve.CacheSize, cli.Serve.CacheTTL, cli.Serve.PublicURL)
	if err != nil {
		logger.Fatalf("Failed to create new server, %v", err)
	}

	var mux interface {
		http.Handler
		Handle(pattern string, handler http.Handler)
	} = http.NewServeMux()
	if os.Getenv("DD_TRACE_ENABLED") == "true" {
		tracer.Start()
		defer tracer.Stop()
		mux = httptrace.NewServeMux()
	}

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		server.ServeHTTP(w, r)
		logger.Printf("served %s %s in %s", r.Method, r.URL.Path, time.Since(start))
	}))

	if cli.Serve.AdminPort < 0 {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		go func() {
			admin := http.NewServeMux()
			admin.Handle("/metrics", promhttp.Handler())
			logger.Printf("Serving metrics on port %d", cli.Serve.AdminPort)
			logger.Fatal(http.ListenAndServe(":"+strconv.Itoa(cli.Serve.AdminPort), admin))
		}()
	}

	var handler http.Handler = mux
	if cli.Serve.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: strings.Split(cli.Serve.Cors, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"X-Assets", "X-Server-Timings", "X-Skipped-Assets"},
		}).Handler(mux)
	}

	logger.Printf("Serving catalogs on port %d with CORS origins: %s\n", cli.Serve.Port, cli.Serve.Cors)
	logger.Fatal(http.ListenAndServe(":"+strconv.Itoa(cli.Serve.Port), handler))
}
