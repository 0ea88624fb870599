package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	rnvme "github.com/behrlich/go-rnvme"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/sim"
)

func main() {
	var (
		profilePath = flag.String("profile", "", "YAML device profile (default: built-in 8M disk)")
		ioCount     = flag.Int("count", 64, "Number of write/read/verify rounds")
		ioSize      = flag.Int("iosize", 16384, "Bytes per I/O (multiple of 4096)")
		verbose     = flag.Bool("v", false, "Verbose output")
		jsonLogs    = flag.Bool("json", false, "JSON log output")
		dumpMetrics = flag.Bool("metrics", true, "Print a metrics snapshot on exit")
		seed        = flag.Int64("seed", 1, "Workload RNG seed")
	)
	flag.Parse()

	prof := sim.DefaultProfile()
	if *profilePath != "" {
		var err error
		if prof, err = sim.LoadProfile(*profilePath); err != nil {
			log.Fatalf("loading profile: %v", err)
		}
	}
	if *ioSize <= 0 || *ioSize%rnvme.BlockSize != 0 {
		log.Fatalf("iosize %d is not a positive multiple of %d", *ioSize, rnvme.BlockSize)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	if *jsonLogs {
		logConfig.Format = "json"
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	opts := rnvme.DefaultOptions()
	opts.Logger = logger
	opts.OnSyslog = func(context, text string) {
		logger.Info("firmware", "context", context, "text", text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("booting simulated device", "disk_bytes", prof.DiskBytes)
	ctrl, _, filter, err := rnvme.StartSim(ctx, prof, opts)
	if err != nil {
		logger.Error("failed to bring up controller", "error", err)
		os.Exit(1)
	}
	defer filter.Close()
	defer ctrl.Close()

	info := ctrl.Info()
	fmt.Printf("Controller %s live: model=%q serial=%q capacity=%d protocol=v%d\n",
		info.ID, info.Model, info.Serial, info.CapacityBytes, info.ProtocolVersion)

	// SIGINT/SIGTERM stop the workload; SIGUSR1 dumps goroutines.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for s := range sigs {
			if s == syscall.SIGUSR1 {
				pprof.Lookup("goroutine").WriteTo(os.Stderr, 1)
				continue
			}
			logger.Info("signal received, stopping", "signal", s)
			cancel()
			return
		}
	}()

	if err := runWorkload(ctx, ctrl, *ioCount, *ioSize, *seed, logger); err != nil {
		logger.Error("workload failed", "error", err)
	}

	if err := ctrl.Flush(context.Background()); err != nil {
		logger.Warn("final flush failed", "error", err)
	}

	if *dumpMetrics {
		printMetrics(ctrl.MetricsSnapshot())
	}
}

// runWorkload writes random blocks, reads them back, and verifies the
// round trip, spread across the disk.
func runWorkload(ctx context.Context, ctrl *rnvme.Controller, count, size int, seed int64, logger *logging.Logger) error {
	rng := rand.New(rand.NewSource(seed))
	capacity := int64(ctrl.Capacity())
	slots := capacity / int64(size)
	if slots == 0 {
		return fmt.Errorf("disk too small for %d byte I/O", size)
	}

	wbuf := make([]byte, size)
	rbuf := make([]byte, size)
	start := time.Now()

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			logger.Info("workload interrupted", "completed", i)
			return nil
		}
		off := rng.Int63n(slots) * int64(size)
		rng.Read(wbuf)

		if err := ctrl.WriteAt(ctx, wbuf, off); err != nil {
			return fmt.Errorf("write at %#x: %w", off, err)
		}
		if err := ctrl.ReadAt(ctx, rbuf, off); err != nil {
			return fmt.Errorf("read at %#x: %w", off, err)
		}
		if !bytes.Equal(wbuf, rbuf) {
			return fmt.Errorf("verify mismatch at %#x", off)
		}
	}

	elapsed := time.Since(start)
	logger.Info("workload complete",
		"rounds", count,
		"bytes", int64(count)*int64(size)*2,
		"elapsed", elapsed.String())
	return nil
}

func printMetrics(s rnvme.MetricsSnapshot) {
	fmt.Printf("\n--- metrics ---\n")
	fmt.Printf("reads:    %d ops, %d bytes, %d errors\n", s.ReadOps, s.ReadBytes, s.ReadErrors)
	fmt.Printf("writes:   %d ops, %d bytes, %d errors\n", s.WriteOps, s.WriteBytes, s.WriteErrors)
	fmt.Printf("flushes:  %d ops, %d errors\n", s.FlushOps, s.FlushErrors)
	fmt.Printf("admin:    %d ops, %d errors\n", s.AdminOps, s.AdminErrors)
	fmt.Printf("recovery: %d timeouts, %d aborts, %d resets, %d polled, %d stale\n",
		s.Timeouts, s.AbortsSent, s.Resets, s.PolledCompletions, s.StaleCompletions)
	fmt.Printf("events:   %d async\n", s.AsyncEvents)
	fmt.Printf("latency:  avg %s, p50 %s, p99 %s\n",
		time.Duration(s.AvgLatencyNs), time.Duration(s.LatencyP50Ns), time.Duration(s.LatencyP99Ns))
	fmt.Printf("depth:    avg %.1f, max %d\n", s.AvgQueueDepth, s.MaxQueueDepth)
}
