package cli

import "database/sql"

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	DBPath  string `long:"db" description:"Override the SQLite database path"`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable verbose output"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// RunCommand hosts the tracking pipeline and reads browser events as JSON
// lines from stdin until EOF or a signal.
type RunCommand struct {
	Input string `long:"input" description:"Read events from a file instead of stdin"`

	globals *GlobalFlags
	version string
}

// ReplayCommand feeds a recorded JSONL event file through the pipeline on a
// simulated clock, then shuts down cleanly.
type ReplayCommand struct {
	Args struct {
		File string `positional-arg-name:"file" description:"JSONL file of browser events"`
	} `positional-args:"yes" required:"yes"`

	globals *GlobalFlags
	version string
}

// StatusCommand shows event log health, stats totals and config summary.
type StatusCommand struct {
	globals *GlobalFlags
	version string
}

// ReportCommand prints aggregated daily totals with filters.
type ReportCommand struct {
	Since  string `long:"since" description:"Only days newer than duration (e.g., 7d, 24h, 2w) or a YYYY-MM-DD date" default:"7d"`
	Until  string `long:"until" description:"Only days older than duration or a YYYY-MM-DD date"`
	Host   string `long:"host" description:"Filter by exact hostname"`
	Domain string `long:"domain" description:"Filter by registrable domain (e.g., example.co.uk)"`
	Limit  int    `long:"limit" description:"Maximum rows" default:"20"`
	Offset int    `long:"offset" description:"Skip first N rows" default:"0"`

	globals *GlobalFlags
	version string
}

// VisitCommand prints the raw event log of one visit.
type VisitCommand struct {
	ID string `long:"id" description:"Visit ID (required)"`

	globals *GlobalFlags
	version string
}

// AggregateCommand forces an aggregation run.
type AggregateCommand struct {
	globals *GlobalFlags
	version string
}

// PruneCommand removes processed events outside the retention window.
type PruneCommand struct {
	OlderThan string `long:"older-than" description:"Override retention period (e.g., 30d)"`
	DryRun    bool   `long:"dry-run" description:"Show what would be pruned without deleting"`
	Force     bool   `long:"force" description:"Skip confirmation prompt"`

	globals *GlobalFlags
	version string
}

// PurgeCommand deletes all tracked data with safety confirmation.
type PurgeCommand struct {
	All   bool `long:"all" description:"Required flag to confirm purge intent"`
	Force bool `long:"force" description:"Skip safety confirmation prompt"`

	globals *GlobalFlags
	version string
	db      *sql.DB // injectable for testing; nil means open configured DB
}

// ExcludeCommand lists, adds and removes URL exclusion rules.
type ExcludeCommand struct {
	Add      string `long:"add" description:"Add a domain rule (or a regex rule with --regex)"`
	Remove   int64  `long:"remove" description:"Remove the rule with this ID"`
	Regex    bool   `long:"regex" description:"Treat --add as a hostname regular expression"`
	Reason   string `long:"reason" description:"Why the rule exists" default:"user rule"`
	Defaults bool   `long:"defaults" description:"Include built-in rules when listing"`

	globals *GlobalFlags
	version string
}
