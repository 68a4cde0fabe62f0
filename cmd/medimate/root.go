package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medimate/medimate-go"
	"github.com/medimate/medimate-go/internal/bootstrap"
	"github.com/medimate/medimate-go/internal/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string

	cfg *config.Config
	zl  *zap.Logger
	app *bootstrap.App

	metricsServer *http.Server
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "medimate",
		Short:         "MediMate medical escort booking client",
		Version:       medimate.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.close()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file (default ./medimate.yaml when present)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides log.level)")

	root.AddCommand(
		c.loginCommand(),
		c.registerCommand(),
		c.logoutCommand(),
		c.whoamiCommand(),
		c.hospitalsCommand(),
		c.escortsCommand(),
		c.nearbyCommand(),
		c.servicesCommand(),
		c.appointmentsCommand(),
		c.bookCommand(),
		c.dashboardCommand(),
		c.askCommand(),
		c.mockServerCommand(),
	)
	return root
}

func (c *cli) init() error {
	bootLogger := bootstrap.NewZapLogger("warn")
	cfg, err := config.Load(c.configPath, bootLogger)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg
	c.zl = bootstrap.NewZapLogger(cfg.Log.Level)
	return nil
}

// open wires the client on first use and starts the metrics endpoint when
// one is configured.
func (c *cli) open(ctx context.Context) (*bootstrap.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	app, err := bootstrap.New(ctx, c.cfg, c.zl)
	if err != nil {
		return nil, err
	}
	c.app = app

	if addr := c.cfg.Metrics.Address; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))
		c.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.zl.Error("Metrics server failed", zap.String("address", addr), zap.Error(err))
			}
		}()
		c.zl.Info("Serving metrics", zap.String("address", addr))
	}
	return app, nil
}

func (c *cli) close() error {
	var errs []error
	if c.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = append(errs, c.metricsServer.Shutdown(ctx))
	}
	if c.app != nil {
		errs = append(errs, c.app.Close())
	}
	if c.zl != nil {
		_ = c.zl.Sync()
	}
	return errors.Join(errs...)
}

// api is the RunE helper for commands that talk to the backend.
func (c *cli) api(fn func(ctx context.Context, api *medimate.API, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		app, err := c.open(cmd.Context())
		if err != nil {
			return err
		}
		return fn(cmd.Context(), app.API, cmd.OutOrStdout())
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe renders err for the terminal, preferring the server message.
func describe(err error) error {
	var clientErr *medimate.ClientError
	if errors.As(err, &clientErr) {
		return fmt.Errorf("%s (%s)", medimate.Message(err), clientErr.Type)
	}
	return err
}
