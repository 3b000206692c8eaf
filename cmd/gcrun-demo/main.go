// Command gcrun-demo drives the STMS/CMS collector core against small
// synthetic heaps built with gc/testheap, printing a colorized before/after
// report for each scenario. It exists to exercise the collector
// end-to-end outside of unit tests, the way kopia's cli commands exercise
// its repository packages from outside their own test suites.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kortex/gcrun/gc"
	"github.com/kortex/gcrun/gc/mutator"
	"github.com/kortex/gcrun/gc/testheap"
	"github.com/kortex/gcrun/internal/logging"
)

var (
	app = kingpin.New("gcrun-demo", "Drive the STMS/CMS garbage collector core against a synthetic heap.")

	variant             = app.Flag("variant", "collector variant").Default("stms").Enum("stms", "cms")
	auxThreads          = app.Flag("aux-threads", "auxiliary mark worker goroutines (CMS only)").Default("2").Int()
	concurrentWeakSweep = app.Flag("concurrent-weak-sweep", "enable the CMS weak-barrier concurrent protocol").Bool()
	runtimeAsserts      = app.Flag("runtime-asserts", "run the post-mark heap correctness scan every epoch").Bool()
	verbose             = app.Flag("verbose", "log collector epoch/worker events to stderr").Bool()

	out = colorable.NewColorableStdout()

	chainCmd  = app.Command("chain", "Allocate a linear chain, optionally drop its tail, collect it.")
	dropTail  = chainCmd.Flag("drop-tail", "clear the root's reference to the rest of the chain before collecting").Bool()
	chainLen  = chainCmd.Flag("length", "chain length").Default("10").Int()

	cycleCmd = app.Command("cycle", "Allocate a two-node cycle with no root, collect it.")

	finalizerCmd = app.Command("finalizer", "Allocate an unreachable object with a finalizer, collect it.")

	weakCmd = app.Command("weak", "Allocate an unreachable object with a weak reference to it, collect it.")
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	p := gc.DefaultParameters()
	p.ConcurrentWeakSweep = *concurrentWeakSweep
	p.RuntimeAssertsMode = *runtimeAsserts
	p.MetricsNamespace = "gcrun_demo"

	if *variant == "cms" {
		p.Variant = gc.CMS
		p.GCMarkSingleThreaded = false
		p.AuxGCThreads = *auxThreads
	}

	if err := run(cmd, p); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("gcrun-demo: %v", err))
		os.Exit(1)
	}
}

func run(cmd string, p gc.Parameters) error {
	ctx, closeLog := demoContext()
	defer closeLog()

	heap := testheap.NewHeap(32)
	roots := testheap.NewRoots()
	weaks := testheap.NewRegistry()
	sched := testheap.NewScheduler()

	c, err := gc.New(gc.NewStaticParameters(p), heap, weaks, sched, roots)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	reg := prometheus.NewRegistry()
	c.Metrics.MustRegister(reg)

	m := c.RegisterMutator()
	stopPolling := pollSafepoint(ctx, c, m)
	defer stopPolling()

	heading(fmt.Sprintf("%s (%s)", cmd, describe(p)))

	switch cmd {
	case chainCmd.FullCommand():
		runChain(ctx, c, heap, roots, m)
	case cycleCmd.FullCommand():
		runCycle(ctx, c, heap, roots, m)
	case finalizerCmd.FullCommand():
		runFinalizer(ctx, c, heap, roots, m)
	case weakCmd.FullCommand():
		runWeak(ctx, c, heap, roots, weaks, m)
	}

	printMetrics(reg)

	return nil
}

// printMetrics gathers the collector's Prometheus counters and gauges from
// its own private registry and prints them, the way a real host would
// expose them on a /metrics endpoint instead.
func printMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		return
	}

	heading("metrics")

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				report(mf.GetName(), int(m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				report(mf.GetName(), int(m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				report(mf.GetName()+"_count", int(m.GetHistogram().GetSampleCount()))
			}
		}
	}
}

// demoContext wires the collector's structured logging to a zap-backed
// factory when --verbose is set, matching how a real host would attach its
// own logger via logging.WithLogger; otherwise the collector falls back to
// its null logger. The returned closer flushes zap's buffered output.
func demoContext() (context.Context, func()) {
	if !*verbose {
		return context.Background(), func() {}
	}

	zc := zap.NewDevelopmentConfig()
	zc.OutputPaths = []string{"stderr"}

	zl, err := zc.Build()
	if err != nil {
		return context.Background(), func() {}
	}

	ctx := logging.WithLogger(context.Background(), logging.NewZapFactory(zl.Sugar()))

	return ctx, func() { _ = zl.Sync() }
}

func describe(p gc.Parameters) string {
	if p.Variant == gc.CMS {
		return fmt.Sprintf("CMS, auxGCThreads=%d, concurrentWeakSweep=%v", p.AuxGCThreads, p.ConcurrentWeakSweep)
	}

	return "STMS"
}

// pollSafepoint simulates the mutator thread's periodic safepoint check: a
// real mutator calls Collector.SafePoint from its own interpreter loop, and
// a suspension request cannot complete until it does. The demo has no such
// loop of its own, so it runs one here.
func pollSafepoint(parent context.Context, c *gc.Collector, m *mutator.Mutator) func() {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			c.SafePoint(ctx, m)
			time.Sleep(time.Millisecond)
		}
	}()

	return cancel
}

func heading(title string) {
	fmt.Fprintln(out, color.New(color.FgCyan, color.Bold).Sprint("== "+title+" =="))
}

func report(label string, n int) {
	fmt.Fprintf(out, "  %s: %s\n", label, color.YellowString("%d", n))
}

func collect(parent context.Context, c *gc.Collector) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.ScheduleFullGC(ctx); err != nil {
		fmt.Fprintln(out, color.RedString("  gc failed: %v", err))
		return
	}

	fmt.Fprintf(out, "  %s (%s)\n", color.GreenString("collection complete"), time.Since(start))
}

func runChain(ctx context.Context, c *gc.Collector, heap *testheap.Heap, roots *testheap.Roots, m *mutator.Mutator) {
	td := &testheap.Type{Name: "Node"}

	n := *chainLen
	if n < 1 {
		n = 1
	}

	nodes := make([]*testheap.Object, n)
	nodes[0] = heap.NewObject(td, "0")

	for i := 1; i < n; i++ {
		nodes[i] = heap.NewObject(td, fmt.Sprintf("%d", i))
		nodes[i-1].AddRef(nodes[i])
	}

	roots.SetRoots(m, nodes[0])
	report("objects before GC", heap.Len())

	if *dropTail {
		fmt.Fprintln(out, "  dropping root's reference to the rest of the chain")
		nodes[0].ClearRefs()
	}

	collect(ctx, c)
	report("objects after GC", heap.Len())
}

func runCycle(ctx context.Context, c *gc.Collector, heap *testheap.Heap, roots *testheap.Roots, m *mutator.Mutator) {
	td := &testheap.Type{Name: "Node"}
	b0 := heap.NewObject(td, "b0")
	b1 := heap.NewObject(td, "b1")
	b0.AddRef(b1)
	b1.AddRef(b0)

	roots.SetRoots(m) // rooting local already dropped
	report("objects before GC", heap.Len())

	collect(ctx, c)
	report("objects after GC", heap.Len())
}

func runFinalizer(ctx context.Context, c *gc.Collector, heap *testheap.Heap, roots *testheap.Roots, m *mutator.Mutator) {
	obj := heap.NewObject(&testheap.Type{Name: "C"}, "c")

	extra, err := heap.CreateExtraObject(obj, &testheap.Type{Name: "Extra"})
	if err != nil {
		fmt.Fprintln(out, color.RedString("  %v", err))
		return
	}

	ran := make(chan struct{})
	testheap.WithFinalizer(extra, func() {
		fmt.Fprintln(out, "  "+color.MagentaString("finalizer ran for c"))
		close(ran)
	})

	roots.SetRoots(m)
	report("objects before GC", heap.Len())

	collect(ctx, c)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		fmt.Fprintln(out, color.RedString("  finalizer never ran"))
	}

	report("objects after finalization", heap.Len())
}

func runWeak(ctx context.Context, c *gc.Collector, heap *testheap.Heap, roots *testheap.Roots, weaks *testheap.Registry, m *mutator.Mutator) {
	d := heap.NewObject(&testheap.Type{Name: "D"}, "d")
	slot := testheap.NewSlot(d)
	weaks.Add(slot)

	roots.SetRoots(m)
	report("objects before GC", heap.Len())
	fmt.Fprintf(out, "  weak slot before GC: %v\n", slot.Load() != nil)

	collect(ctx, c)

	fmt.Fprintf(out, "  weak slot after GC: %v\n", slot.Load() != nil)
	report("objects after GC", heap.Len())
}
