package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/blocksync/internal/auth"
	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/config"
	"github.com/danmuck/blocksync/internal/logging"
	"github.com/danmuck/blocksync/internal/mirror"
	"github.com/danmuck/blocksync/internal/quickstart"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/danmuck/blocksync/internal/server"
	"github.com/danmuck/blocksync/internal/spec"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type options struct {
	configPath string
	listen     string
	apiURL     string
	feed       string
	services   []string
	quickstart string
}

func main() {
	logging.ConfigureRuntime()
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("syncctl", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a sync config.toml")
	fs.StringVar(&opts.listen, "listen", "", "override listen_addr")
	fs.StringVar(&opts.apiURL, "api", "", "override api_url")
	fs.StringVar(&opts.feed, "feed", "", "override feed transport: sse|ws")
	fs.StringSliceVar(&opts.services, "services", nil, "override the mirrored service ids")
	fs.StringVar(&opts.quickstart, "quickstart", "", "glycol quickstart config to apply after startup")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadConfig reads the config file, if any, and overlays flag overrides.
func loadConfig(opts options) (config.SyncConfig, error) {
	var cfg config.SyncConfig
	if opts.configPath != "" {
		loaded, err := config.LoadSyncConfig(opts.configPath)
		if err != nil {
			return config.SyncConfig{}, err
		}
		cfg = loaded
	}
	if opts.listen != "" {
		cfg.ListenAddr = opts.listen
	}
	if opts.apiURL != "" {
		cfg.APIURL = opts.apiURL
	}
	if opts.feed != "" {
		cfg.Feed = strings.ToLower(opts.feed)
	}
	if len(opts.services) > 0 {
		cfg.Services = opts.services
	}
	if opts.quickstart != "" {
		cfg.Quickstart = opts.quickstart
	}
	cfg = cfg.WithDefaults()
	if err := config.ValidateSyncConfig(cfg); err != nil {
		return config.SyncConfig{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	catalog, err := spec.Load(cfg.CatalogFiles...)
	if err != nil {
		return err
	}

	client, err := cfg.HTTPClient()
	if err != nil {
		return err
	}
	feeds, err := newFeedFactory(cfg)
	if err != nil {
		return err
	}
	backoff := cfg.RemoteBackoff()
	registry := mirror.NewRegistry(mirror.Config{
		Catalog:     catalog,
		Blocks:      remote.NewHTTPStore[blocks.Block](cfg.BlocksURL(), client),
		BlockFeed:   newFeed[blocks.Block](feeds, cfg.BlocksURL()),
		Presets:     remote.NewHTTPStore[blocks.Preset](cfg.PresetsURL(), client),
		PresetFeed:  newFeed[blocks.Preset](feeds, cfg.PresetsURL()),
		PresetScope: cfg.Collections.Presets,
		Backoff:     backoff,
	})
	defer registry.Close()

	if err := registry.StartPresets(ctx); err != nil {
		log.Warn().Msgf("syncctl presets unavailable err=%v", err)
	}
	for _, id := range cfg.Services {
		if err := registry.AddService(ctx, id); err != nil {
			log.Error().Msgf("syncctl add service failed service_id=%q err=%v", id, err)
		}
	}

	layouts := mirror.NewCollection(mirror.CollectionConfig[blocks.Layout]{
		Name:    "layouts",
		Scope:   cfg.Collections.Layouts,
		Store:   remote.NewHTTPStore[blocks.Layout](cfg.LayoutsURL(), client),
		Feed:    newFeed[blocks.Layout](feeds, cfg.LayoutsURL()),
		Backoff: backoff,
		Hub:     registry.Hub(),
	})
	if err := layouts.Start(ctx); err != nil {
		log.Warn().Msgf("syncctl layouts unavailable err=%v", err)
	}
	defer layouts.Stop()

	processes := mirror.NewCollection(mirror.CollectionConfig[blocks.Process]{
		Name:    "processes",
		Scope:   cfg.Collections.Processes,
		Store:   remote.NewHTTPStore[blocks.Process](cfg.ProcessesURL(), client),
		Feed:    newFeed[blocks.Process](feeds, cfg.ProcessesURL()),
		Backoff: backoff,
		Hub:     registry.Hub(),
	})
	if err := processes.Start(ctx); err != nil {
		log.Warn().Msgf("syncctl processes unavailable err=%v", err)
	}
	defer processes.Stop()

	if cfg.Quickstart != "" {
		if err := applyQuickstart(ctx, registry, cfg.Quickstart); err != nil {
			return err
		}
	}

	srv := server.New(cfg.Name, cfg.ListenAddr, registry, cfg.CorsOrigins)
	srv.Layouts = layouts
	srv.Processes = processes
	if token := strings.TrimSpace(cfg.APIToken); token != "" {
		srv.Auth = auth.StaticToken{Token: token}
	}
	log.Info().Msgf("syncctl listening addr=%s api=%s feed=%s services=%v", cfg.ListenAddr, cfg.APIURL, cfg.Feed, cfg.Services)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// feedFactory carries the transport settings shared by every change feed.
type feedFactory struct {
	transport string
	client    *http.Client
	tls       *tls.Config
}

func newFeedFactory(cfg config.SyncConfig) (feedFactory, error) {
	client, err := cfg.StreamClient()
	if err != nil {
		return feedFactory{}, err
	}
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return feedFactory{}, err
	}
	return feedFactory{transport: cfg.Feed, client: client, tls: tlsCfg}, nil
}

func newFeed[T remote.Keyed](f feedFactory, base string) remote.Feed[T] {
	if f.transport == config.FeedWS {
		return remote.NewWSFeed[T](base, 0).WithTLS(f.tls)
	}
	return remote.NewSSEFeed[T](base, f.client)
}

func applyQuickstart(ctx context.Context, registry *mirror.Registry, path string) error {
	qs, err := quickstart.LoadGlycolConfig(path)
	if err != nil {
		return err
	}
	plan, err := quickstart.PlanGlycol(qs, registry.ServiceBlocks(qs.ServiceID), registry.Catalog())
	if err != nil {
		return err
	}
	res, err := quickstart.Apply(ctx, registry, plan)
	if err != nil {
		return fmt.Errorf("quickstart %s: applied changed=%d created=%d: %w", path, len(res.Changed), len(res.Created), err)
	}
	log.Info().Msgf("syncctl quickstart applied service_id=%q changed=%d created=%d", qs.ServiceID, len(res.Changed), len(res.Created))
	return nil
}
