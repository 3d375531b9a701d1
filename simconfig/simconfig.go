// Package simconfig defines the simulation's runtime parameters and the
// cobra command that populates them from CLI flags.
package simconfig

import (
	"fmt"

	"github.com/glipari/concurrent-heap/summary"
	"github.com/spf13/cobra"
)

// Mode selects which summary-structure pair backs a simulation run.
type Mode int

const (
	ModeLockedHeap Mode = iota
	ModeArrayHeap
	ModeSkiplist
	ModeFCLinked
	ModeFCBitmap
)

func (m Mode) String() string {
	switch m {
	case ModeLockedHeap:
		return "locked-heap"
	case ModeArrayHeap:
		return "array-heap"
	case ModeSkiplist:
		return "skiplist"
	case ModeFCLinked:
		return "fc-linked"
	case ModeFCBitmap:
		return "fc-bitmap"
	default:
		return "unknown"
	}
}

// Config carries every simulation parameter that was a compile-time
// constant in the original source, now overridable via CLI flag or
// caller-constructed default.
type Config struct {
	NProcessors     int
	NCycles         int
	DMin            uint64
	DMax            uint64
	PushMaxTries    int
	PullMaxTries    int
	PubRecordPerCPU int
	Mode            Mode
}

// Default returns the parameter set matching the original source's
// compile-time defaults.
func Default() Config {
	return Config{
		NProcessors:     4,
		NCycles:         1000,
		DMin:            10,
		DMax:            100,
		PushMaxTries:    3,
		PullMaxTries:    3,
		PubRecordPerCPU: 8,
		Mode:            ModeLockedHeap,
	}
}

// NewSummaryPair constructs the push/pull summary-structure pair for
// c.Mode, ordered push-by-dline.After and pull-by-dline.Before as every
// mode requires.
func (c Config) NewSummaryPair(better, worse func(a, b uint64) bool) (push, pull summary.Summary) {
	switch c.Mode {
	case ModeArrayHeap:
		return summary.NewArrayHeap(c.NProcessors, better), summary.NewArrayHeap(c.NProcessors, worse)
	case ModeSkiplist:
		return summary.NewSkiplist(c.NProcessors, better), summary.NewSkiplist(c.NProcessors, worse)
	case ModeFCLinked:
		return summary.NewFCSkiplist(c.NProcessors, better, summary.PubListLinked, c.PubRecordPerCPU),
			summary.NewFCSkiplist(c.NProcessors, worse, summary.PubListLinked, c.PubRecordPerCPU)
	case ModeFCBitmap:
		return summary.NewFCSkiplist(c.NProcessors, better, summary.PubListBitmap, c.PubRecordPerCPU),
			summary.NewFCSkiplist(c.NProcessors, worse, summary.PubListBitmap, c.PubRecordPerCPU)
	default:
		return summary.NewLockedHeap(c.NProcessors, better), summary.NewLockedHeap(c.NProcessors, worse)
	}
}

// Command builds the `crow` cobra command: flags populate a Config which
// is handed to run once parsing succeeds. The five mode flags are
// mutually exclusive; cobra reports a non-zero exit and its usage
// message on a bad or missing combination of flags.
func Command(run func(cfg Config) error) *cobra.Command {
	cfg := Default()

	var heap, array, skiplist, fcLinked, fcBitmap bool

	cmd := &cobra.Command{
		Use:   "crow",
		Short: "Concurrent EDF multiprocessor scheduler testbed",
		Long: `crow simulates a multiprocessor EDF scheduler, with the
CPU-to-task global view backed by one of four interchangeable summary
structures, selected by exactly one mode flag.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := resolveMode(heap, array, skiplist, fcLinked, fcBitmap)
			if err != nil {
				return err
			}
			cfg.Mode = mode
			return run(cfg)
		},
	}

	// "heap" claims the -h shorthand; cobra's automatic --help flag
	// skips adding -h once a flag has already claimed it.
	cmd.Flags().BoolVarP(&heap, "heap", "h", false, "use the locked binary heap summary")
	cmd.Flags().BoolVarP(&array, "array", "a", false, "use the array heap summary")
	cmd.Flags().BoolVarP(&skiplist, "skiplist", "s", false, "use the skiplist summary")
	cmd.Flags().BoolVarP(&fcLinked, "fc-linked", "f", false, "use the flat-combining skiplist, linked publication list")
	cmd.Flags().BoolVarP(&fcBitmap, "fc-bitmap", "b", false, "use the flat-combining skiplist, bitmap publication list")

	cmd.Flags().IntVar(&cfg.NProcessors, "processors", cfg.NProcessors, "number of simulated CPUs")
	cmd.Flags().IntVar(&cfg.NCycles, "cycles", cfg.NCycles, "number of simulated scheduling ticks")
	cmd.Flags().Uint64Var(&cfg.DMin, "dmin", cfg.DMin, "minimum relative deadline for generated tasks")
	cmd.Flags().Uint64Var(&cfg.DMax, "dmax", cfg.DMax, "maximum relative deadline for generated tasks")
	cmd.Flags().IntVar(&cfg.PushMaxTries, "push-max-tries", cfg.PushMaxTries, "max push-target search attempts per tick")
	cmd.Flags().IntVar(&cfg.PullMaxTries, "pull-max-tries", cfg.PullMaxTries, "max pull-source search attempts per tick")
	cmd.Flags().IntVar(&cfg.PubRecordPerCPU, "pub-records-per-cpu", cfg.PubRecordPerCPU, "flat-combining records pre-allocated per CPU")

	return cmd
}

func resolveMode(heap, array, skiplist, fcLinked, fcBitmap bool) (Mode, error) {
	selected := 0
	mode := ModeLockedHeap
	for _, c := range []struct {
		set  bool
		mode Mode
	}{
		{heap, ModeLockedHeap},
		{array, ModeArrayHeap},
		{skiplist, ModeSkiplist},
		{fcLinked, ModeFCLinked},
		{fcBitmap, ModeFCBitmap},
	} {
		if c.set {
			selected++
			mode = c.mode
		}
	}
	switch selected {
	case 0:
		return 0, fmt.Errorf("simconfig: exactly one of -h/-a/-s/-f/-b is required")
	case 1:
		return mode, nil
	default:
		return 0, fmt.Errorf("simconfig: -h/-a/-s/-f/-b are mutually exclusive")
	}
}
