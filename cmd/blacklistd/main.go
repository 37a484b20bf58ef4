// Command blacklistd runs the partitioned URL-blacklist server and exposes
// a thin client for checking and submitting URLs against it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rpcpool/blacklistd/internal/activitylog"
	blclient "github.com/rpcpool/blacklistd/internal/client"
	"github.com/rpcpool/blacklistd/internal/config"
	"github.com/rpcpool/blacklistd/internal/engine"
	"github.com/rpcpool/blacklistd/internal/housekeeping"
	"github.com/rpcpool/blacklistd/internal/metrics"
	"github.com/rpcpool/blacklistd/internal/server"
	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"k8s.io/klog/v2"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "blacklistd",
		Usage:       "a partitioned, log-structured URL safety index",
		Description: "Serve or query a Safe-Browsing-style URL blacklist backed by per-partition memtables, WALs, and immutable index files.",
		Commands: []*cli.Command{
			newCmdServe(),
			newCmdClientCheck(),
			newCmdClientSubmit(),
			newCmdClientRebuild(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Errorf("blacklistd: %v", err)
		os.Exit(1)
	}
}

func newCmdServe() *cli.Command {
	var partitions int
	var indexCapacity int
	var dataDir string
	var listenAddr string
	var metricsAddr string
	var watchConfig string

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the blacklistd server.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "partitions",
				Usage:       "Number of partitions (P)",
				Value:       4,
				Destination: &partitions,
			},
			&cli.IntFlag{
				Name:        "index-capacity",
				Usage:       "Keys per index file (N)",
				Value:       15625,
				Destination: &indexCapacity,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Usage:       "Data directory root",
				Value:       "data",
				Destination: &dataDir,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "HTTP listen address",
				Value:       ":8080",
				Destination: &listenAddr,
			},
			&cli.StringFlag{
				Name:        "metrics-listen",
				Usage:       "Prometheus metrics listen address (empty disables)",
				Value:       "",
				Destination: &metricsAddr,
			},
			&cli.StringFlag{
				Name:        "watch",
				Usage:       "Config file to watch; changes are logged, not applied (optional)",
				Value:       "",
				Destination: &watchConfig,
			},
		},
		Action: func(c *cli.Context) error {
			cfg := config.New(
				config.WithPartitions(partitions),
				config.WithIndexCapacity(indexCapacity),
				config.WithDataDir(dataDir),
				config.WithListenAddr(listenAddr),
			)
			return runServe(c.Context, cfg, metricsAddr, watchConfig)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, metricsAddr, watchConfig string) error {
	alog, err := activitylog.Open(filepath.Join(cfg.DataDir, "log", "activity"))
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer alog.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	eng, err := engine.Open(cfg, alog, m)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	go housekeeping.Run(ctx, cfg.DataDir, 5*time.Minute)

	if watchConfig != "" {
		go watchListenAddr(ctx, watchConfig)
	}

	if metricsAddr != "" {
		go func() {
			klog.Infof("metrics: listening on %s", metricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}

	srv := server.New(eng)
	fastSrv := &fasthttp.Server{Handler: srv.Handler}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("blacklistd: listening on %s", cfg.ListenAddr)
		errCh <- fastSrv.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		return fastSrv.Shutdown()
	case err := <-errCh:
		return err
	}
}

func watchListenAddr(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Warningf("config watch: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		klog.Warningf("config watch: add %s: %v", path, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			klog.Infof("config watch: %s changed (%s); listen address is immutable for this process, restart to apply", path, ev.Op)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("config watch: %v", err)
		}
	}
}

func newCmdClientCheck() *cli.Command {
	var baseURL, name, filterPath, url string
	return &cli.Command{
		Name:  "check",
		Usage: "Check whether a URL is blacklisted.",
		Flags: clientFlags(&baseURL, &name, &filterPath, &url, "URL to check"),
		Action: func(c *cli.Context) error {
			cl, err := blclient.Open(c.Context, name, baseURL, filterPath)
			if err != nil {
				return err
			}
			verdict, err := cl.CheckURL(c.Context, url)
			if err != nil {
				return err
			}
			switch verdict {
			case blclient.Malicious:
				fmt.Println("MALICIOUS")
			case blclient.Safe:
				fmt.Println("SAFE")
			default:
				fmt.Println("UNKNOWN")
			}
			return nil
		},
	}
}

func newCmdClientSubmit() *cli.Command {
	var baseURL, name, filterPath, url string
	return &cli.Command{
		Name:  "submit",
		Usage: "Submit a URL to be blacklisted.",
		Flags: clientFlags(&baseURL, &name, &filterPath, &url, "URL to submit"),
		Action: func(c *cli.Context) error {
			cl, err := blclient.Open(c.Context, name, baseURL, filterPath)
			if err != nil {
				return err
			}
			return cl.SubmitMaliciousURL(c.Context, url)
		},
	}
}

func newCmdClientRebuild() *cli.Command {
	var baseURL, name, filterPath string
	return &cli.Command{
		Name:  "rebuild-filter",
		Usage: "Rebuild the local probabilistic filter from the server.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", Destination: &baseURL},
			&cli.StringFlag{Name: "name", Value: "blacklistd-client", Destination: &name},
			&cli.StringFlag{Name: "filter-path", Value: "client-filter.blob", Destination: &filterPath},
		},
		Action: func(c *cli.Context) error {
			cl, err := blclient.Open(c.Context, name, baseURL, filterPath)
			if err != nil {
				return err
			}
			return cl.RebuildFilter(c.Context)
		},
	}
}

func clientFlags(baseURL, name, filterPath, url *string, urlUsage string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", Destination: baseURL},
		&cli.StringFlag{Name: "name", Value: "blacklistd-client", Destination: name},
		&cli.StringFlag{Name: "filter-path", Value: "client-filter.blob", Destination: filterPath},
		&cli.StringFlag{Name: "url", Usage: urlUsage, Required: true, Destination: url},
	}
}
