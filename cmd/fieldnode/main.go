// Fieldnode is a sensor telemetry node. It samples 1-Wire, DHT11 and
// Modbus sensors on fixed intervals, timestamps every reading with an
// NTP-corrected clock, and publishes batches to an MQTT broker once the
// network, the clock and the broker session are all available.
//
// Usage:
//
//	fieldnode init [dir]       Write an example config to dir (default .)
//	fieldnode run              Start the node
//	fieldnode id               Print the device ID derived from the MAC
//	fieldnode journal [limit]  Show drop counters and recent journal events
//	fieldnode version          Print version and build information
//	fieldnode -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/fieldnode/internal/buildinfo"
	"github.com/nugget/fieldnode/internal/config"
	"github.com/nugget/fieldnode/internal/identity"
)

// main only builds the OS-level environment and hands off to run, so
// that the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()
	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the
// returned error is printed to stderr by main. Arguments are parsed by
// hand to keep run free of package-level flag state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var operand string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-") && (command == "init" || command == "journal") && operand == "":
			operand = args[i]
		default:
			if command != "" {
				return fmt.Errorf("unexpected argument: %s", args[i])
			}
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "init":
		if operand == "" {
			operand = "."
		}
		return runInit(stdout, operand)
	case "run":
		return runNode(ctx, stdout, stderr, configPath)
	case "id":
		return runID(stdout, configPath, outputFmt)
	case "journal":
		return runJournal(stdout, configPath, operand, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runID prints the device ID. Without a config file the defaults
// (prefix FIELDNODE, first hardware interface) apply. The rest of the
// config is not validated, so this works on a half-configured node.
func runID(w io.Writer, configPath, outputFmt string) error {
	cfg := config.Default()
	cfg.Device.Interface = ""
	if path, err := config.FindConfig(configPath); err == nil {
		if cfg, err = config.Load(path); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	} else if configPath != "" {
		return err
	}

	id, err := identity.FromInterface(cfg.Device.IDPrefix, cfg.Device.Interface)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(map[string]string{"device_id": id})
	}
	fmt.Fprintln(w, id)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Fieldnode - sensor telemetry node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: fieldnode [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]   Write an example config (default: current directory)")
	fmt.Fprintln(w, "  run          Start sampling and publishing")
	fmt.Fprintln(w, "  id           Print the device ID")
	fmt.Fprintln(w, "  journal [n]  Show drop counters and the last n journal events")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates a structured logger writing to w at the given
// level. Format "json" selects the JSON handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration.
// Returns the config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
