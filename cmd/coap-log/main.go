// Command coap-log is a tool for viewing and analyzing CoAP protocol log files.
//
// Log files are written by coap-server and coap-client when run with the
// -protocol-log flag.
//
// Usage:
//
//	coap-log <command> [flags] <file.clog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSONL or CSV format
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View only exchange-layer events
//	coap-log view --layer exchange server.clog
//
//	# View only incoming messages
//	coap-log view --direction in server.clog
//
//	# Export to CSV
//	coap-log export --format csv -o server.csv server.clog
//
//	# Keep the traffic of one peer
//	coap-log filter --remote 192.168.1.20:5683 -o peer.clog server.clog
//
//	# Show statistics
//	coap-log stats server.clog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mash-protocol/coap-go/cmd/coap-log/commands"
)

const usage = `coap-log - CoAP Protocol Log Analyzer

Usage:
  coap-log <command> [flags] <file.clog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSONL or CSV format
  filter   Filter log file and write to new file
  stats    Show statistics about the log file

Use "coap-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func newFlagSet(name, synopsis, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "coap-log %s - %s\n\nUsage:\n  coap-log %s %s\n\nFlags:\n", name, synopsis, name, args)
		fs.PrintDefaults()
	}
	return fs
}

// logPath parses args and returns the single positional log file.
func logPath(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func runView(args []string) {
	fs := newFlagSet("view", "View log file in human-readable format", "[flags] <file.clog>")
	layer := fs.String("layer", "", "Filter by layer (transport, message, exchange)")
	direction := fs.String("direction", "", "Filter by direction (in, out, local)")
	category := fs.String("category", "", "Filter by category (message, exchange, state, error)")
	path := logPath(fs, args)

	var filter commands.ViewFilter
	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			fatal(err)
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			fatal(err)
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			fatal(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fatal(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export log file to JSONL or CSV format", "[flags] <file.clog>")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := logPath(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fatal(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter log file and write to new file", "[flags] <file.clog>")
	var opts commands.FilterOptions
	fs.StringVar(&opts.Output, "o", "", "Output file (required)")
	fs.StringVar(&opts.SessionID, "session-id", "", "Filter by engine session ID")
	fs.StringVar(&opts.RemoteAddr, "remote", "", "Filter by peer address (ip:port)")
	fs.StringVar(&opts.Token, "token", "", "Filter by exchange token (hex)")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, message, exchange)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out, local)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, exchange, state, error)")
	path := logPath(fs, args)

	if opts.Output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, opts)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, opts.Output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about the log file", "<file.clog>")
	path := logPath(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fatal(err)
	}
}
