// Command gpuflow-demo wires a Scheduler to the in-process simulated
// driver and runs a small multi-device workload against it, grounded
// on the teacher's ublk-mem command: parse a couple of flags, set up
// logging, build the runtime, run until interrupted, tear down
// cleanly. There is no real block device here to mount, so where
// ublk-mem prints mount instructions and waits for SIGINT, this runs
// the workload to completion and prints one final tally; a
// SIGINT/SIGTERM received meanwhile is only logged.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/delgado-oss/gpuflow"
	"github.com/delgado-oss/gpuflow/examples/simdriver"
	"github.com/delgado-oss/gpuflow/internal/config"
	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/logging"
)

func main() {
	var (
		devicesFlag = flag.Int("devices", 2, "number of simulated devices")
		memFlag     = flag.String("device-mem", "256M", "simulated per-device memory (e.g. 64M, 1G)")
		workers     = flag.Int("workers", 8, "number of concurrent submitters")
		perWorker   = flag.Int("tasks-per-worker", 100, "tasks each submitter issues")
		verbose     = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	devMem, err := parseSize(*memFlag)
	if err != nil {
		log.Fatalf("invalid -device-mem %q: %v", *memFlag, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	driver := simdriver.New(*devicesFlag, uint64(devMem))
	kernelFn := driver.RegisterKernel("axpy")
	for from := 0; from < *devicesFlag; from++ {
		for to := 0; to < *devicesFlag; to++ {
			if from != to {
				driver.EnablePeerPair(from, to)
			}
		}
	}

	cfg := config.Default()
	cfg.Enabled = *devicesFlag
	cfg.Verbose = boolToVerbose(*verbose)

	metrics := gpuflow.NewMetrics()
	observer := gpuflow.NewMetricsObserver(metrics)
	sched := gpuflow.NewScheduler(cfg, driver, observer)

	logger.Info("registering devices", "count", *devicesFlag, "per_device_mem", formatSize(devMem))
	for i := 0; i < *devicesFlag; i++ {
		if _, err := sched.RegisterDevice(i); err != nil {
			log.Fatalf("register device %d: %v", i, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, finishing in-flight tasks")
	}()

	datums := make([]*datareg.Datum, *workers)
	for i := range datums {
		ptr, buf := driver.AllocHostBuffer(4096)
		key := fmt.Sprintf("worker-%d-buffer", i)
		datum, err := sched.RegisterHostData(key, uint64(len(buf)), uintptr(ptr))
		if err != nil {
			log.Fatalf("register host data %s: %v", key, err)
		}
		datums[i] = datum
	}

	var submitted atomic.Uint64
	var grp errgroup.Group
	for w := 0; w < *workers; w++ {
		w := w
		grp.Go(func() error {
			for i := 0; i < *perWorker; i++ {
				spec := gpuflow.TaskSpec{
					KernelName: "axpy",
					Flows: []gpuflow.FlowDescriptor{
						{Datum: datums[w], Mode: gpuflow.Read | gpuflow.Write},
					},
					Priority: i % 4,
					Args:     kernelFn,
				}
				if err := sched.Submit(spec); err != nil {
					return fmt.Errorf("worker %d task %d: %w", w, i, err)
				}
				submitted.Add(1)
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		logger.Error("workload failed", "error", err)
		os.Exit(1)
	}

	snap := metrics.Snapshot()
	fmt.Printf("submitted %d tasks across %d workers\n", submitted.Load(), *workers)
	fmt.Printf("executed=%d reschedules=%d drains=%d\n", snap.ExecutedTasks, snap.Reschedules, snap.Drains)
	fmt.Printf("bytes in required=%d transferred=%d\n", snap.RequiredDataIn, snap.TransferredDataIn)
	fmt.Printf("bytes out required=%d transferred=%d\n", snap.RequiredDataOut, snap.TransferredDataOut)
}

func boolToVerbose(v bool) int {
	if v {
		return 3
	}
	return 2
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
