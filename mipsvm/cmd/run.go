package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sarchlab/mipsvm/addrspace"
	"github.com/sarchlab/mipsvm/simulation"
	"github.com/sarchlab/mipsvm/workload"
)

type runOptions struct {
	ram         uint64
	kernel      uint64
	seed        int64
	record      bool
	output      string
	monitor     bool
	monitorPort int
	open        bool
	verbose     bool
	heapPages   int
	stackPages  int
	forks       int
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the VM system and run a load, heap, stack and fork workload",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		return run(cmd.Context(), runOpts, cmd.OutOrStdout())
	},
}

func init() {
	if err := loadEnv(); err != nil {
		log.Fatalf("Error loading .env: %v", err)
	}

	cfg := workload.DefaultConfig()
	flags := runCmd.Flags()

	flags.Uint64Var(&runOpts.ram, "ram",
		envUint("MIPSVM_RAM", 4<<20), "physical memory in bytes")
	flags.Uint64Var(&runOpts.kernel, "kernel",
		envUint("MIPSVM_KERNEL", 256<<10), "size of the kernel image in bytes")
	flags.Int64Var(&runOpts.seed, "seed",
		envInt("MIPSVM_SEED", 1), "seed of the TLB random register")
	flags.BoolVar(&runOpts.record, "record",
		envBool("MIPSVM_RECORD", false), "record every VM event into SQLite")
	flags.StringVar(&runOpts.output, "output", os.Getenv("MIPSVM_OUTPUT"),
		"name of the recording file, without extension")
	flags.BoolVar(&runOpts.monitor, "monitor",
		envBool("MIPSVM_MONITOR", false), "serve the VM state over HTTP")
	flags.IntVar(&runOpts.monitorPort, "monitor-port",
		int(envInt("MIPSVM_MONITOR_PORT", 0)), "port of the monitoring server")
	flags.BoolVar(&runOpts.open, "open", false,
		"open the monitor in a browser")
	flags.BoolVarP(&runOpts.verbose, "verbose", "v",
		envBool("MIPSVM_VERBOSE", false), "log every VM event to stderr")
	flags.IntVar(&runOpts.heapPages, "heap-pages", cfg.HeapPages,
		"pages the workload adds to the heap")
	flags.IntVar(&runOpts.stackPages, "stack-pages", cfg.StackPages,
		"pages the workload touches on the stack")
	flags.IntVar(&runOpts.forks, "forks", cfg.Forks,
		"number of times the workload forks")

	rootCmd.AddCommand(runCmd)
}

func (o runOptions) validate() error {
	if o.ram > 1<<31 {
		return fmt.Errorf("ram size %d does not fit in kuseg", o.ram)
	}

	if o.open && !o.monitor {
		return fmt.Errorf("--open needs --monitor")
	}

	if o.output != "" && !o.record {
		return fmt.Errorf("--output needs --record")
	}

	if o.stackPages >= addrspace.StackPages {
		return fmt.Errorf("the stack cannot grow past %d pages",
			addrspace.StackPages-1)
	}

	return nil
}

func (o runOptions) builder() simulation.Builder {
	b := simulation.MakeBuilder().
		WithRAMSize(uint32(o.ram)).
		WithKernelImageSize(uint32(o.kernel)).
		WithTLBSeed(o.seed)

	if o.monitor {
		b = b.WithMonitorPort(o.monitorPort)
	} else {
		b = b.WithoutMonitoring()
	}

	if o.record {
		b = b.WithOutputFileName(o.output)
	} else {
		b = b.WithoutRecording()
	}

	if o.verbose {
		b = b.WithLogger(log.New(os.Stderr, "", log.Lmicroseconds))
	}

	return b
}

func run(ctx context.Context, o runOptions, out io.Writer) error {
	err := o.validate()
	if err != nil {
		return err
	}

	sim := o.builder().Build()
	defer sim.Terminate()

	sim.SetExecInfo("RAM", strconv.FormatUint(o.ram, 10))
	sim.SetExecInfo("Seed", strconv.FormatInt(o.seed, 10))

	cfg := workload.DefaultConfig()
	cfg.HeapPages = o.heapPages
	cfg.StackPages = o.stackPages
	cfg.Forks = o.forks

	var progress workload.Progress
	if monitor := sim.GetMonitor(); monitor != nil {
		bar := monitor.CreateProgressBar("Workload", cfg.NumSteps())
		defer monitor.CompleteProgressBar(bar)
		progress = bar

		if o.open {
			monitor.OpenBrowser(sim.MonitorURL())
		}
	}

	report, err := workload.NewRunner(sim.Machine(), cfg, progress).Run()
	sim.Flush()
	if err != nil {
		return err
	}

	printReport(out, report)
	fmt.Fprintf(out, "tlb:          %d fills, %d evictions\n",
		sim.Counter().Count("TLBFill"), sim.Counter().Count("TLBEvict"))

	if sim.GetMonitor() != nil {
		waitForInterrupt(ctx)
	}

	return nil
}

func printReport(out io.Writer, r workload.Report) {
	fmt.Fprintf(out, "faults:       %d\n", r.Faults)
	fmt.Fprintf(out, "forks:        %d (all children matched)\n", r.Forks)
	fmt.Fprintf(out, "heap pages:   %d (%d released)\n", r.HeapPages, r.Released)
	fmt.Fprintf(out, "stack pages:  %d\n", r.StackPages)
	fmt.Fprintf(out, "frames:       %d total, %d free, %d fixed, %d mapped\n",
		r.Stats.Total, r.Stats.Free, r.Stats.Fixed, r.Stats.Mapped)
}

func waitForInterrupt(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	fmt.Fprintln(os.Stderr, "Workload done. Press Ctrl+C to exit.")
	<-ctx.Done()
}
