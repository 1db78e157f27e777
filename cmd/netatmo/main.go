package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/gonetatmo/internal/config"
	"github.com/joshp123/gonetatmo/internal/logging"
	"github.com/joshp123/gonetatmo/internal/oauth"
	"github.com/joshp123/gonetatmo/internal/rate"
	"github.com/joshp123/gonetatmo/internal/server"
	"github.com/joshp123/gonetatmo/plugins/netatmo"
)

const defaultMeasurement = "Temperature"

type app struct {
	cfg    *config.Config
	log    *slog.Logger
	client *netatmo.Client
}

func main() {
	// A missing .env is normal; the environment and config file still apply.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("netatmo", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	fs.Usage = usage
	_ = fs.Parse(os.Args[1:])
	args := fs.Args()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fatal("load config", err)
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		fatal("init client", err)
	}

	if len(args) == 0 {
		a.printLatest(ctx)
		return
	}

	switch args[0] {
	case "measure":
		a.measureCmd(ctx, args[1:])
	case "devices":
		a.devicesCmd(ctx, args[1:])
	case "serve":
		a.serveCmd(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	clientCfg, err := netatmo.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}

	// Keep the interface nil when no mirror is configured.
	var blobStore oauth.BlobStore
	if cfg.OAuth.BlobEnabled() {
		store, err := oauth.NewS3Store(oauth.BlobConfig{
			Endpoint:      cfg.OAuth.BlobEndpoint,
			Bucket:        cfg.OAuth.BlobBucket,
			Prefix:        cfg.OAuth.BlobPrefix,
			Region:        cfg.OAuth.BlobRegion,
			AccessKeyFile: cfg.OAuth.BlobAccessKeyFile,
			SecretKeyFile: cfg.OAuth.BlobSecretKeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
		blobStore = store
	}

	client, err := netatmo.NewClient(clientCfg, log, blobStore)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, client: client}, nil
}

func (a *app) connect(ctx context.Context) {
	if err := a.client.Connect(ctx); err != nil {
		fatal("connect", err)
	}
}

func (a *app) printLatest(ctx context.Context) {
	a.connect(ctx)
	value, err := a.client.Measure(ctx, defaultMeasurement)
	if err != nil {
		fatal("measure", err)
	}
	fmt.Println(formatValue(value))
}

func (a *app) measureCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("measure", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)
	out := outputMode{json: *jsonOutput}

	types := fs.Args()
	if len(types) == 0 {
		types = a.cfg.Netatmo.Types
	}

	a.connect(ctx)
	results := make([]measurementView, 0, len(types))
	for _, measurementType := range types {
		m, err := a.client.Latest(ctx, measurementType)
		if err != nil {
			fatal("measure "+measurementType, err)
		}
		results = append(results, newMeasurementView(m))
	}

	if out.json {
		out.printJSON(results)
		return
	}
	rows := [][]string{{"TYPE", "VALUE", "TIME"}}
	for _, m := range results {
		rows = append(rows, []string{m.Type, formatValue(m.Value), m.Time})
	}
	out.table(rows)
}

func (a *app) devicesCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)
	out := outputMode{json: *jsonOutput}

	a.connect(ctx)
	devices, err := a.client.Devices(ctx)
	if err != nil {
		fatal("list devices", err)
	}

	if out.json {
		views := make([]deviceView, 0, len(devices))
		for _, d := range devices {
			views = append(views, newDeviceView(d))
		}
		out.printJSON(views)
		return
	}
	rows := [][]string{{"ID", "STATION", "MODULE", "TYPE", "DATA TYPES"}}
	for _, d := range devices {
		rows = append(rows, []string{d.ID, d.StationName, d.ModuleName, d.Type, joinTypes(d.DataTypes)})
	}
	out.table(rows)
}

func (a *app) serveCmd(ctx context.Context) {
	a.connect(ctx)

	registry := server.MetricsRegistry(
		oauth.MetricsCollectors(),
		rate.MetricsCollectors(),
		netatmo.Collectors(),
		[]prometheus.Collector{netatmo.NewMetricsCollector(a.client, a.cfg.Netatmo.Types)},
	)
	ready := func() error {
		if a.client.DeviceID() == "" {
			return netatmo.ErrNotConnected
		}
		return nil
	}

	httpServer := server.NewHTTPServer(a.cfg.HTTP.Addr, server.NewRouter(registry, ready), a.log)
	if err := httpServer.Run(ctx); err != nil {
		fatal("http serve", err)
	}
}

func usage() {
	fmt.Println("netatmo [--config path] [command] [args]")
	fmt.Println("")
	fmt.Println("Without a command, prints the latest Temperature.")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  measure [--json] [type...]")
	fmt.Println("  devices [--json]")
	fmt.Println("  serve")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
