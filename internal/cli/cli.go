package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Run       *RunCommand
	Replay    *ReplayCommand
	Status    *StatusCommand
	Report    *ReportCommand
	Visit     *VisitCommand
	Aggregate *AggregateCommand
	Prune     *PruneCommand
	Purge     *PurgeCommand
	Exclude   *ExcludeCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "dwell"
	parser.LongDescription = "Crash-tolerant tracking of how long pages stay open and how long you actively use them."

	cmds := &commands{
		Run:       &RunCommand{globals: &globals, version: version},
		Replay:    &ReplayCommand{globals: &globals, version: version},
		Status:    &StatusCommand{globals: &globals, version: version},
		Report:    &ReportCommand{globals: &globals, version: version},
		Visit:     &VisitCommand{globals: &globals, version: version},
		Aggregate: &AggregateCommand{globals: &globals, version: version},
		Prune:     &PruneCommand{globals: &globals, version: version},
		Purge:     &PurgeCommand{globals: &globals, version: version},
		Exclude:   &ExcludeCommand{globals: &globals, version: version},
	}

	parser.AddCommand("run", "Host the tracking pipeline", "Host the tracking pipeline, reading browser events as JSON lines from stdin.", cmds.Run)
	parser.AddCommand("replay", "Replay a recorded event file", "Feed a JSONL event file through the pipeline on a simulated clock and shut down.", cmds.Replay)
	parser.AddCommand("status", "Show event log health and totals", "Show event log health, stats totals and configuration summary.", cmds.Status)
	parser.AddCommand("report", "Show daily open and active time", "Show aggregated open and active time per URL and day.", cmds.Report)
	parser.AddCommand("visit", "Print the event log of one visit", "Print every stored event of one visit.", cmds.Visit)
	parser.AddCommand("aggregate", "Fold pending events into stats", "Force an aggregation run over every unprocessed event.", cmds.Aggregate)
	parser.AddCommand("prune", "Apply retention pruning", "Delete processed events older than the retention period.", cmds.Prune)
	parser.AddCommand("purge", "Delete ALL tracked data", "Delete ALL tracked data. Destructive operation with safety prompt.", cmds.Purge)
	parser.AddCommand("exclude", "Manage URL exclusion rules", "List, add or remove URL exclusion rules.", cmds.Exclude)

	return parser, &globals, cmds
}

// Run is the main entry point for the dwell CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("dwell %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
