package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/config"
	"github.com/danmuck/blocksync/internal/logging"
	"github.com/danmuck/blocksync/internal/observability"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/danmuck/blocksync/internal/spec"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// device holds the in-memory datastore served over the block API wire layout.
type device struct {
	blocks    *remote.Memory[blocks.Block]
	presets   *remote.Memory[blocks.Preset]
	layouts   *remote.Memory[blocks.Layout]
	processes *remote.Memory[blocks.Process]
}

func main() {
	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)
	configPath := pflag.StringP("config", "c", "", "path to a device config.toml")
	addr := pflag.String("addr", "", "override listen addr")
	pflag.Parse()

	cfg := config.DeviceConfig{}.WithDefaults()
	if *configPath != "" {
		loaded, err := config.LoadDeviceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(1)
	}
}

func newDevice() *device {
	return &device{
		blocks:    remote.NewMemory[blocks.Block](),
		presets:   remote.NewMemory[blocks.Preset](),
		layouts:   remote.NewMemory[blocks.Layout](),
		processes: remote.NewMemory[blocks.Process](),
	}
}

func (d *device) router(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("devicesim", "http")))
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := mux.NewRouter()
	remote.Mount(api, "/api/blocks", d.blocks)
	remote.Mount(api, "/api/presets", d.presets)
	remote.Mount(api, "/api/layouts", d.layouts)
	remote.Mount(api, "/api/processes", d.processes)
	r.Any("/api/*path", gin.WrapH(api))
	return r
}

// seed writes a small fermentation setup into every service scope.
func (d *device) seed(catalog *spec.Catalog, services []string) error {
	sample := []struct {
		id, typ string
		data    map[string]any
	}{
		{"Beer Sensor", spec.TypeTempSensorMock, map[string]any{"value": blocks.Temp(19.5), "connected": true}},
		{"Beer Setpoint", spec.TypeSetpointSensorPair, map[string]any{"sensorId": blocks.LinkTo("Beer Sensor", spec.InterfaceTempSensor).Value()}},
		{"Cool PWM", spec.TypeActuatorPwm, nil},
		{"Cool PID", spec.TypePid, map[string]any{
			"inputId":  blocks.LinkTo("Beer Setpoint", spec.InterfaceSetpoint).Value(),
			"outputId": blocks.LinkTo("Cool PWM", spec.InterfaceActuatorAnalog).Value(),
		}},
	}
	for _, serviceID := range services {
		for _, s := range sample {
			b, err := catalog.NewBlock(serviceID, s.id, s.typ)
			if err != nil {
				return err
			}
			for k, v := range s.data {
				b.Data[k] = v
			}
			d.blocks.Put(serviceID, b)
		}
	}
	log.Info().Msgf("devicesim seeded services=%v blocks=%d", services, len(sample)*len(services))
	return nil
}

func run(ctx context.Context, cfg config.DeviceConfig) error {
	d := newDevice()
	if cfg.SampleData {
		if err := d.seed(spec.MustNewCatalog(spec.Builtin()), cfg.Services); err != nil {
			return err
		}
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           d.router(cfg.CorsOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("devicesim listening addr=%s services=%v", cfg.Addr, cfg.Services)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
