// kitops watches a set of git repositories and runs a configured action
// chain whenever a watched branch advances.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pbnjay/memory"

	"github.com/bittrance/kitops/internal/config"
	"github.com/bittrance/kitops/internal/gitgw"
	"github.com/bittrance/kitops/internal/obs"
	"github.com/bittrance/kitops/internal/scheduler"
	"github.com/bittrance/kitops/internal/state"
)

// Exit codes from spec.md §6.
const (
	exitSuccess      = 0
	exitRuntimeError = 1
	exitConfigError  = 2
)

func main() {
	os.Exit(mainImpl())
}

func mainImpl() int {
	if len(os.Args) > 1 && os.Args[1] == "-check-config" {
		return checkConfig(os.Args[2:])
	}

	logStartupDiagnostics()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "kitops: %s.\n", err)
		return exitConfigError
	}

	st, err := state.Load(cfg.StateFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kitops: %s.\n", err)
		return exitConfigError
	}

	gw := gitgw.New()
	sched, err := scheduler.New(cfg.Tasks, gw, st, cfg.PollOnce)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kitops: %s.\n", err)
		return exitConfigError
	}

	metrics := obs.NewMetrics()
	sched.SetMetrics(metrics)
	obsServer := obs.NewServer(cfg.HTTPAddr, metrics)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go obsServer.Start(ctx)
	obsServer.MarkReady()

	failures, err := sched.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kitops: %s.\n", err)
		return exitRuntimeError
	}
	if err := st.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "kitops: saving state: %s.\n", err)
		return exitRuntimeError
	}
	if cfg.PollOnce && failures > 0 {
		return exitRuntimeError
	}
	return exitSuccess
}

// logStartupDiagnostics prints one line describing the host the agent is
// running on, mirroring the teacher's worker metadata report.
func logStartupDiagnostics() {
	log.Printf("kitops starting: CPUs=%d RAM=%s Go=%s GOOS/GOARCH=%s/%s",
		runtime.NumCPU(), roundSize(memory.TotalMemory()), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// roundSize rounds a byte count to the nearest sensible binary unit.
func roundSize(t uint64) string {
	orders := []string{"bytes", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
	i := 0
	for ; i < len(orders)-1; i++ {
		if t/1024*1024 != t || t == 0 {
			break
		}
		t /= 1024
	}
	if t > 1024 {
		return fmt.Sprintf("%.1f%s", float64(t)/1024., orders[i+1])
	}
	return fmt.Sprintf("%d%s", t, orders[i])
}

// checkConfig implements the "-check-config [file]" dry-run mode:
// parse and validate a config file without watching anything.
func checkConfig(args []string) int {
	path := "./kitops.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	cfg, err := config.Load([]string{"-config-file", path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kitops-check: %s.\n", err)
		return exitConfigError
	}
	fmt.Printf("%s: %d task(s) OK\n", path, len(cfg.Tasks))
	return exitSuccess
}
