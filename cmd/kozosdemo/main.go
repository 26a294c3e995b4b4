// Command kozosdemo boots a kozos kernel with an idle thread and a
// handful of worker threads that exercise priority scheduling, sleep/
// wakeup and mailbox rendezvous, then prints what each thread recorded.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kozos-go/kozos"
	"github.com/kozos-go/kozos/internal/logging"
)

// roundRobinEntry prints its own name once per loop and yields with Wait,
// the cooperative round-robin primitive. At unequal priorities the
// higher-priority thread monopolises the CPU: it never blocks on
// anything but Wait, so it is always the head of the highest non-empty
// queue again immediately.
func roundRobinEntry(rt *kozos.Runtime, argv []string) {
	name := argv[0]
	for i := 0; i < 4; i++ {
		rt.Print(name)
		rt.Wait()
	}
}

// sleeperEntry prints its name once, sleeps, and on being woken prints it
// once more before exiting.
func sleeperEntry(rt *kozos.Runtime, argv []string) {
	name := argv[0]
	rt.Print(name)
	rt.Sleep()
	rt.Print(name)
}

// wakerEntry prints its own name then wakes the given sleeper thread.
func wakerEntry(rt *kozos.Runtime, argv []string, target kozos.ThreadID) {
	rt.Print(argv[0])
	rt.Wakeup(target)
}

// senderEntry sends three payloads to mailbox 0 in order.
func senderEntry(rt *kozos.Runtime, argv []string) {
	for _, payload := range []string{"one", "two", "three"} {
		rt.Send(0, []byte(payload))
	}
}

// receiverEntry receives three messages from mailbox 0 and prints each
// one tagged with its sender, demonstrating send-before-recv ordering.
func receiverEntry(rt *kozos.Runtime, argv []string) {
	for i := 0; i < 3; i++ {
		from, payload := rt.Recv(0)
		rt.Print(fmt.Sprintf("recv from=%d payload=%s", from, payload))
	}
}

// idleEntry is the first thread: lowest priority, boots the demo's
// worker threads, then parks forever in Sleep (never woken, so it never
// runs again).
func idleEntry(rt *kozos.Runtime, argv []string) {
	rt.Run(roundRobinEntry, "T1", 1, 0, "T1")
	rt.Run(roundRobinEntry, "T2", 2, 0, "T2")

	sleeperID, _ := rt.Run(sleeperEntry, "A", 3, 0, "A")
	rt.Run(func(rt *kozos.Runtime, argv []string) { wakerEntry(rt, argv, sleeperID) }, "B", 4, 0, "B")

	rt.Run(receiverEntry, "receiver", 5, 0)
	rt.Run(senderEntry, "sender", 6, 0)

	for {
		rt.Sleep()
	}
}

func main() {
	duration := flag.Duration("duration", 200*time.Millisecond, "how long to let the demo kernel run before halting it")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)

	recorder := kozos.NewRecorder()
	panics := kozos.NewPanicRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	k, err := kozos.Start(ctx, kozos.StartOptions{
		FirstThread: kozos.Startup{
			Entry:    idleEntry,
			Name:     "idle",
			Priority: 15,
		},
		Logger:       logger,
		Recorder:     recorder,
		PanicHandler: panics.Handler(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kozosdemo: start failed: %v\n", err)
		os.Exit(1)
	}

	// idleEntry never returns — it sleeps forever once its workers are
	// spawned, so its thread goroutine never reaches Exit and k.Wait()
	// (which waits on every spawned goroutine via the shared errgroup)
	// would block past the point every worker has finished. Race the
	// kernel's own panic path (the scheduler stall once all workers have
	// exited) against the context deadline instead.
	panicCh := make(chan struct{})
	go func() {
		panics.Wait()
		close(panicCh)
	}()

	select {
	case <-panicCh:
		logger.Info("kernel halted", "reason", panics.Message())
	case <-ctx.Done():
		logger.Info("demo duration elapsed, halting", "err", ctx.Err())
	}

	for _, line := range recorder.Lines() {
		fmt.Println(line)
	}
	if panics.Fired() {
		fmt.Println("PANIC:", panics.Message())
	}

	snap := k.Metrics().Snapshot()
	fmt.Printf("dispatches=%d faults=%d avg_latency_ns=%d\n", snap.DispatchCount, snap.Faults, snap.AvgDispatchLatencyNs)
}
