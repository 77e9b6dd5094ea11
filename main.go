package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed CLI flags for an invocation
type AppOptions struct {
	DataDir         string
	ConfigFile      string
	AlignmentCache  string
	Reference       string
	OutputFile      string
	ListOnly        bool
	AlignOnly       bool
	SuperimposeOnly bool
	NoScale         bool
	AllowReflection bool
	MaxIterations   int
	Tolerance       float64
	HttpPort        int
	MqttMode        bool
	HttpMode        bool
}

// appRunner is the surface main drives; App implements it, tests mock it
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunList()
	RunAlign()
	RunSuperimpose()
	RunService()
}

// run parses CLI args and dispatches to the appropriate app mode.
// Returns flag.ErrHelp when --help is requested.
func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("morphalign", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory containing landmark export JSON files")
	fs.StringVar(&opts.AlignmentCache, "alignment-cache", ".alignment-cache.json", "Path to alignment cache file")
	fs.StringVar(&opts.Reference, "reference", "", "Override reference specimen (default: from config or most landmarks)")
	fs.StringVar(&opts.OutputFile, "output", "", "Write alignment results to this file instead of the cache path")
	fs.BoolVar(&opts.ListOnly, "list", false, "Parse landmark exports, print summaries, and exit")
	fs.BoolVar(&opts.AlignOnly, "align", false, "Align all specimens pairwise to the reference and exit")
	fs.BoolVar(&opts.SuperimposeOnly, "superimpose", false, "Run generalized Procrustes analysis on all specimens and exit")
	fs.BoolVar(&opts.NoScale, "no-scale", false, "Solve for rotation and translation only (no uniform scale)")
	fs.BoolVar(&opts.AllowReflection, "allow-reflection", false, "Permit improper rotations in pairwise alignment")
	fs.IntVar(&opts.MaxIterations, "max-iterations", 0, "Superimposition iteration cap (default from config or 100)")
	fs.Float64Var(&opts.Tolerance, "tolerance", 0, "Superimposition convergence tolerance (default from config or 1e-6)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for capture station ingest")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for alignment endpoints")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "morphalign version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ListOnly:
		app.RunList()
	case opts.AlignOnly:
		app.RunAlign()
	case opts.SuperimposeOnly:
		app.RunSuperimpose()
	case opts.MqttMode || opts.HttpMode:
		app.RunService()
	default:
		fmt.Fprintln(out, "morphalign service starting...")
		fmt.Fprintln(out, "Use --list to inspect landmark exports")
		fmt.Fprintln(out, "Use --align to align specimens pairwise to a reference")
		fmt.Fprintln(out, "Use --superimpose to run generalized Procrustes analysis")
		fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
		fmt.Fprintln(out, "Use --http to run HTTP server mode")
		fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - MQTT settings and alignment parameters")
		fmt.Fprintln(out, "  .alignment-cache.json - Computed alignment transforms (cached)")
	}

	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			return
		}
		os.Exit(2)
	}
}
