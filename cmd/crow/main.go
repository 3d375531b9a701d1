// Command crow runs the concurrent EDF multiprocessor scheduler testbed,
// selecting one of four interchangeable per-CPU summary structures via
// its mode flag.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glipari/concurrent-heap/sim"
	"github.com/glipari/concurrent-heap/simconfig"
)

func main() {
	cmd := simconfig.Command(run)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg simconfig.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT)
	defer stop()

	s, err := sim.New(cfg, ".")
	if err != nil {
		return fmt.Errorf("crow: %w", err)
	}
	defer s.Close()

	go func() {
		<-ctx.Done()
		s.Dump(os.Stdout)
	}()

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("crow: %w", err)
	}

	sim.PrintSummaries(os.Stdout, s.Summaries())
	fmt.Println("--------------EVERYTHING OK!---------------------")
	return nil
}
