package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/grieco/vdisk/internal/logger"
	"github.com/grieco/vdisk/pkg/block"
	"github.com/grieco/vdisk/pkg/config"
	"github.com/grieco/vdisk/pkg/graph"
	"github.com/grieco/vdisk/pkg/metrics"

	// Register all built-in drivers.
	_ "github.com/grieco/vdisk/pkg/driver/badgerdb"
	_ "github.com/grieco/vdisk/pkg/driver/cow"
	_ "github.com/grieco/vdisk/pkg/driver/faultinject"
	_ "github.com/grieco/vdisk/pkg/driver/file"
	_ "github.com/grieco/vdisk/pkg/driver/memory"
	_ "github.com/grieco/vdisk/pkg/driver/null"
	_ "github.com/grieco/vdisk/pkg/driver/s3"
)

func printVolumeInfo(ctx context.Context, mgr *graph.Manager) {
	for _, name := range mgr.ListVolumes() {
		vol, err := mgr.GetVolume(name)
		if err != nil {
			continue
		}
		length, err := vol.Root.Length(ctx)
		if err != nil {
			logger.Warn("volume %s: length unavailable: %v", name, err)
			length = -1
		}
		mode := "rw"
		if vol.ReadOnly {
			mode = "ro"
		}
		fmt.Printf("%s\t%s\t%d bytes\troot=%s (%s)\n",
			name, mode, length, vol.Root.Name(), vol.Root.DriverName())
		for _, n := range vol.Nodes() {
			fmt.Printf("  node %s driver=%s ops=%v\n",
				n.Name(), n.DriverName(), block.SupportedOps(n.Driver()))
		}
	}
}

func checkVolume(ctx context.Context, mgr *graph.Manager, name string) error {
	vol, err := mgr.GetVolume(name)
	if err != nil {
		return err
	}
	res, err := vol.Root.Check(ctx, block.CheckReadOnly)
	if err != nil {
		return fmt.Errorf("check of volume %q failed: %w", name, err)
	}
	fmt.Printf("%s: %d corruptions, %d leaks, image end offset %d\n",
		name, res.Corruptions, res.Leaks, res.ImageEndOffset)
	return nil
}

func benchVolume(ctx context.Context, mgr *graph.Manager, name string) error {
	vol, err := mgr.GetVolume(name)
	if err != nil {
		return err
	}

	const (
		blockSize = 64 * 1024
		total     = 16 * 1024 * 1024
	)
	length, err := vol.Root.Length(ctx)
	if err != nil {
		return fmt.Errorf("bench of volume %q: %w", name, err)
	}
	span := int64(total)
	if length < span {
		span = length - length%blockSize
	}
	if span < blockSize {
		return fmt.Errorf("volume %q is too small to benchmark", name)
	}

	buf := make([]byte, blockSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	if !vol.ReadOnly {
		start := time.Now()
		for off := int64(0); off < span; off += blockSize {
			if _, err := vol.Root.WriteAt(ctx, off, block.NewIOVector(buf)); err != nil {
				return fmt.Errorf("bench write at %d: %w", off, err)
			}
		}
		if err := vol.Root.Flush(ctx); err != nil {
			return fmt.Errorf("bench flush: %w", err)
		}
		elapsed := time.Since(start)
		fmt.Printf("%s: wrote %d MiB in %v (%.1f MiB/s)\n",
			name, span>>20, elapsed.Round(time.Millisecond),
			float64(span)/(1<<20)/elapsed.Seconds())
	}

	start := time.Now()
	for off := int64(0); off < span; off += blockSize {
		if _, err := vol.Root.ReadAt(ctx, off, block.NewIOVector(buf)); err != nil {
			return fmt.Errorf("bench read at %d: %w", off, err)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%s: read %d MiB in %v (%.1f MiB/s)\n",
		name, span>>20, elapsed.Round(time.Millisecond),
		float64(span)/(1<<20)/elapsed.Seconds())
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	info := flag.Bool("info", false, "Print volume information and exit")
	check := flag.String("check", "", "Run a consistency check on the named volume and exit")
	bench := flag.String("bench", "", "Run a sequential throughput benchmark on the named volume and exit")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *dumpConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatalf("Failed to render configuration: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	var ioMetrics block.Metrics
	if cfg.Server.MetricsEnabled {
		metrics.InitRegistry()
		ioMetrics = metrics.NewIOMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := graph.NewManager()
	if err := config.BuildAll(ctx, cfg, mgr, ioMetrics); err != nil {
		mgr.CloseAll(ctx)
		log.Fatalf("Failed to build volumes: %v", err)
	}
	logger.Info("Assembled %d volume(s): %v", mgr.CountVolumes(), mgr.ListVolumes())

	// One-shot modes run against the assembled graph and exit.
	if *info {
		printVolumeInfo(ctx, mgr)
		mgr.CloseAll(ctx)
		return
	}
	if *check != "" {
		err := checkVolume(ctx, mgr, *check)
		mgr.CloseAll(ctx)
		if err != nil {
			log.Fatalf("%v", err)
		}
		return
	}
	if *bench != "" {
		err := benchVolume(ctx, mgr, *bench)
		mgr.CloseAll(ctx)
		if err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsListen, Handler: mux}
		go func() {
			logger.Info("Metrics endpoint listening on %s", cfg.Server.MetricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("vdisk is running. Press Ctrl+C to stop.")
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := mgr.FlushAll(shutdownCtx); err != nil {
		logger.Warn("Flush during shutdown: %v", err)
	}
	mgr.CloseAll(shutdownCtx)
	logger.Info("Shutdown complete")
}
