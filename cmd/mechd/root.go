// Copyright 2026 The Mech Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mechsup/mech"
	"github.com/mechsup/mech/coord"
	"github.com/mechsup/mech/rest"
	"github.com/mechsup/mech/worker"
)

const (
	backendEtcd  = "etcd"
	backendLocal = "local"

	shutdownGrace = 5 * time.Second
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "mechd",
	Short:         "Supervise the worker container of one task instance",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (YAML)")
	f.String("task", "", "task name (env TASK)")
	f.String("id", "", "instance id (env ID)")
	f.String("environment", "", "deployment environment (env ENVIRONMENT)")
	f.String("host", "", "lock owner identity (default is the host name)")
	f.String("backend", backendEtcd, "coordination backend: etcd or local")
	f.String("etcd-endpoint", "http://127.0.0.1:2379", "etcd server URL")
	f.String("watch-prefix", mech.DefaultWatchPrefix, "key prefix to watch for changes")
	f.String("manifest", "", "worker manifest file")
	f.String("status-addr", "127.0.0.1:8321", "status API listen address, empty to disable")
	f.Bool("keep-alive-on-signal", false, "leave the worker running when terminated by a signal")
	f.Bool("keep-alive-on-watch-failure", false, "leave the worker running when the watch breaks")
	f.String("log-level", "info", "log level")
	f.String("worker-log-driver", worker.DefaultLogDriver, "worker log driver when the manifest sets none, empty for the runtime's default")

	for _, name := range []string{
		"task", "id", "environment", "host", "backend", "etcd-endpoint",
		"watch-prefix", "manifest", "status-addr", "keep-alive-on-signal",
		"keep-alive-on-watch-failure", "log-level", "worker-log-driver",
	} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("MECH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// The identity variables predate the prefix.
	_ = viper.BindEnv("task", "TASK", "MECH_TASK")
	_ = viper.BindEnv("id", "ID", "MECH_ID")
	_ = viper.BindEnv("environment", "ENVIRONMENT", "MECH_ENVIRONMENT")
}

// execute runs the root command, and returns the exit status.
func execute() int {
	status := 1
	rootCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		status = supervise(cmd.Context())
		return nil
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "mechd: %v\n", err)
		return 1
	}
	return status
}

func newCoordinator(logger *zap.SugaredLogger) (coord.Coordinator, error) {
	switch b := viper.GetString("backend"); b {
	case backendEtcd:
		return coord.NewEtcd(viper.GetString("etcd-endpoint"), coord.WithLogger(logger.Named("etcd")))
	case backendLocal:
		logger.Warnf("Using the local backend; other hosts are not excluded")
		return coord.NewLocal(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", b)
	}
}

func newHooks(logger *zap.SugaredLogger) (mech.Hooks, error) {
	name := viper.GetString("manifest")
	if name == "" {
		logger.Warnf("No manifest given, the worker cannot be configured")
		return mech.DefaultHooks{}, nil
	}
	m, err := mech.LoadManifestFile(name)
	if err != nil {
		return nil, err
	}
	return mech.NewManifestHooks(m), nil
}

func supervise(ctx context.Context) int {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mechd: %v\n", err)
		return 1
	}
	ringLog := mech.NewLog(0)
	logger := mech.NewLogger(level, ringLog)
	defer logger.Sync()

	cfg := mech.Config{
		Identity: mech.Identity{
			Task:       viper.GetString("task"),
			InstanceID: viper.GetString("id"),
		},
		Environment:             viper.GetString("environment"),
		Host:                    viper.GetString("host"),
		WatchPrefix:             viper.GetString("watch-prefix"),
		KeepAliveOnSignal:       viper.GetBool("keep-alive-on-signal"),
		KeepAliveOnWatchFailure: viper.GetBool("keep-alive-on-watch-failure"),
	}
	if err := cfg.Identity.Validate(); err != nil {
		logger.Errorf("Fatal: %v", err)
		return 1
	}
	if cfg.Environment == "" {
		cfg.Environment = mech.DefaultEnvironment
		logger.Warnf("ENVIRONMENT not set, defaulting to '%s'", cfg.Environment)
	}

	coordinator, err := newCoordinator(logger)
	if err != nil {
		logger.Errorf("Fatal: %v", err)
		return 1
	}
	hooks, err := newHooks(logger)
	if err != nil {
		logger.Errorf("Fatal: %v", err)
		return 1
	}
	cli, err := worker.NewDockerClient()
	if err != nil {
		logger.Errorf("Fatal: cannot reach the container runtime: %v", err)
		return 1
	}
	defer cli.Close()
	driver := worker.NewDocker(cli, cfg.Identity.WorkerName(), cfg.Environment,
		worker.WithLogger(logger.Named("docker")),
		worker.WithLogDriver(viper.GetString("worker-log-driver")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctrl, err := mech.NewController(cfg, coordinator, driver, hooks,
		mech.WithLogger(logger),
		mech.WithMetrics(mech.NewMetrics(reg, cfg.Identity)))
	if err != nil {
		logger.Errorf("Fatal: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var g errgroup.Group
	status := 1
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		status = ctrl.Run(ctx)
		return nil
	})

	if addr := viper.GetString("status-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           rest.NewHandler(ctrl, ringLog, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("Serving status on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				// Supervision goes on without the status API.
				logger.Errorf("Status API failed: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-done
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				// Long polls may still be waiting.
				srv.Close()
			}
			return nil
		})
	}

	_ = g.Wait()
	return status
}
