// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Command arraydbd runs the storage coordinator daemon: it loads
// configuration via viper, wires the configured VFS backends, and blocks
// until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/molecula/arraydb/internal/config"
	"github.com/molecula/arraydb/internal/coordinator"
	"github.com/molecula/arraydb/internal/fragment"
	"github.com/molecula/arraydb/internal/vfs"
	"github.com/molecula/arraydb/internal/vfs/catalog"
	"github.com/molecula/arraydb/internal/vfs/local"
	"github.com/molecula/arraydb/internal/vfs/mem"
	"github.com/molecula/arraydb/internal/vfs/s3"
	"github.com/molecula/arraydb/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "arraydbd",
		Short: "storage coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a TOML configuration file")
	flags.Int("sm.num-async-threads", config.DefaultNumAsyncThreads, "async query pool size")
	flags.Int("sm.num-reader-threads", config.DefaultNumReaderThreads, "reader pool size")
	flags.Int("sm.num-writer-threads", config.DefaultNumWriterThreads, "writer pool size")
	flags.Int64("sm.tile-cache-size", config.DefaultTileCacheSize, "tile cache byte budget")
	flags.String("dedup-index-path", "", "path to a persistent fragment-metadata dedup index (disabled if empty)")
	flags.String("log-path", "", "path to a log file, reopened on SIGHUP for log rotation (default stderr)")
	flags.Bool("verbose", false, "enable debug-level logging")
	_ = v.BindPFlags(flags)

	return cmd
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	if path := v.GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return config.Parse(data)
	}

	cfg := config.NewDefaultConfig()
	cfg.StorageManager.NumAsyncThreads = v.GetInt("sm.num-async-threads")
	cfg.StorageManager.NumReaderThreads = v.GetInt("sm.num-reader-threads")
	cfg.StorageManager.NumWriterThreads = v.GetInt("sm.num-writer-threads")
	cfg.StorageManager.TileCacheSize = v.GetInt64("sm.tile-cache-size")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger builds the daemon's logger from the --log-path and
// --verbose flags. When a log path is given, the underlying file is
// reopened on SIGHUP so an external log rotator can move the old file
// out from under the daemon without a restart; the returned closer
// releases the file on shutdown.
func setupLogger(v *viper.Viper) (logger.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	logPath := v.GetString("log-path")
	if logPath != "" {
		f, err := logger.NewFileWriter(logPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closer = f

		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			for range sighup {
				if err := f.Reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "reopening log file: %v\n", err)
				}
			}
		}()
	}

	if v.GetBool("verbose") {
		return logger.NewVerboseLogger(out), closer, nil
	}
	return logger.NewStandardLogger(out), closer, nil
}

func run(ctx context.Context, v *viper.Viper) error {
	log, logCloser, err := setupLogger(v)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	facade := vfs.NewFacade()
	facade.Register(local.New())
	facade.Register(mem.New())
	facade.Register(s3.New())
	facade.Register(catalog.New())

	opts := []coordinator.Option{coordinator.OptLogger(log)}
	if path := v.GetString("dedup-index-path"); path != "" {
		dedup, err := fragment.OpenDedupIndex(path)
		if err != nil {
			return fmt.Errorf("opening dedup index: %w", err)
		}
		defer dedup.Close()
		opts = append(opts, coordinator.OptDedupIndex(dedup))
	}

	coord := coordinator.New(facade, opts...)
	if err := coord.Init(cfg); err != nil {
		return fmt.Errorf("initializing coordinator: %w", err)
	}

	log.Infof("arraydbd started: async=%d reader=%d writer=%d cache=%dB",
		cfg.StorageManager.NumAsyncThreads,
		cfg.StorageManager.NumReaderThreads,
		cfg.StorageManager.NumWriterThreads,
		cfg.StorageManager.TileCacheSize,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	coord.CancelAllTasks()
	if err := coord.Close(); err != nil {
		return fmt.Errorf("shutting down coordinator: %w", err)
	}
	log.Infof("arraydbd stopped")
	return nil
}
