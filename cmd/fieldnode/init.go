package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/fieldnode/examples"
)

// runInit writes the example configuration to dir/fieldnode.yaml. An
// existing file is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "fieldnode.yaml")
	written, err := writeIfMissing(path, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", path)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set mqtt.broker and enable your sensor families, then run: fieldnode run")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
