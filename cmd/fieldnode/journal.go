package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/fieldnode/internal/config"
	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/journal"
)

// dropPoints are the journal counters printed by the journal command.
var dropPoints = []struct{ source, kind string }{
	{events.SourceSampler, events.KindReadFailed},
	{events.SourceSampler, events.KindBatchDropped},
	{events.SourcePublisher, events.KindBatchPublished},
	{events.SourcePublisher, events.KindBatchDiscarded},
	{events.SourceMQTT, events.KindBrokerDown},
	{events.SourceTimeSync, events.KindSyncFailed},
}

// journalReport is the JSON form of the journal command's output.
type journalReport struct {
	Path   string         `json:"path"`
	Boots  int            `json:"boots"`
	Counts map[string]int `json:"counts"`
	Events []events.Event `json:"events"`
}

// runJournal prints the drop-point counters and the most recent limit
// events from the node's journal. The limit operand defaults to 20.
func runJournal(w io.Writer, configPath, limitArg, outputFmt string) error {
	limit := 20
	if limitArg != "" {
		n, err := strconv.Atoi(limitArg)
		if err != nil || n <= 0 {
			return fmt.Errorf("journal limit %q must be a positive number", limitArg)
		}
		limit = n
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal disabled: journal.path is not set")
	}

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
	}
	defer store.Close()

	report := journalReport{Path: cfg.Journal.Path, Counts: make(map[string]int)}
	if v, err := store.Get("node", "boot_count"); err == nil {
		report.Boots, _ = strconv.Atoi(v)
	}
	for _, dp := range dropPoints {
		n, err := store.Count(dp.source, dp.kind)
		if err != nil {
			return err
		}
		report.Counts[dp.source+"/"+dp.kind] = n
	}
	if report.Events, err = store.Recent(limit); err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "journal %s (%d boots)\n\n", report.Path, report.Boots)
	for _, dp := range dropPoints {
		key := dp.source + "/" + dp.kind
		fmt.Fprintf(w, "  %-28s %d\n", key, report.Counts[key])
	}
	fmt.Fprintln(w)
	for _, e := range report.Events {
		fmt.Fprintf(w, "%s  %-9s %-16s %s\n", e.Timestamp.Local().Format(time.DateTime), e.Source, e.Kind, formatData(e.Data))
	}
	return nil
}

// formatData renders event data as sorted key=value pairs.
func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}
