package main

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xiaoxuxiansheng/lsmkv"
)

type cliOptions struct {
	dir         string
	config      string
	strategy    string
	logLevel    string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts cliOptions
	cmd := &cobra.Command{
		Use:          "lsmcli",
		Short:        "interactive shell of an lsmkv store",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dir, "dir", "", "data directory, defaults to ./lsm when no config file is given")
	flags.StringVar(&opts.config, "config", "", "yaml config file")
	flags.StringVar(&opts.strategy, "strategy", "", "compaction strategy: leveled | size_tiered")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, disabled when empty")
	return cmd
}

func run(ctx context.Context, opts *cliOptions, in io.Reader, out io.Writer) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	conf, err := loadConfig(opts, lsmkv.WithLogger(logger), lsmkv.WithRegisterer(registry))
	if err != nil {
		return err
	}
	tree, err := lsmkv.Open(conf)
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:    opts.metricsAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown(ctx) }()
	}

	return newShell(tree, out).run(in)
}

// 命令行参数在配置文件之后生效
func loadConfig(opts *cliOptions, base ...lsmkv.ConfigOption) (*lsmkv.Config, error) {
	confOpts := base
	if opts.strategy != "" {
		confOpts = append(confOpts, lsmkv.WithCompactionStrategy(opts.strategy))
	}

	if opts.config == "" {
		dir := opts.dir
		if dir == "" {
			dir = "./lsm"
		}
		return lsmkv.NewConfig(dir, confOpts...)
	}
	if opts.dir != "" {
		confOpts = append(confOpts, func(c *lsmkv.Config) { c.Dir = opts.dir })
	}
	return lsmkv.LoadConfig(opts.config, confOpts...)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
