package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML writes v as YAML keyed by its JSON field names
func printYAML(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

// printStructured handles -o json and -o yaml and reports whether it did
func printStructured(v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		return true, printJSON(v)
	case "yaml":
		return true, printYAML(v)
	}
	return false, nil
}

// printTable writes rows under a header, or v in the structured format
// selected with -o
func printTable(v interface{}, header []string, rows [][]string) error {
	if done, err := printStructured(v); done {
		return err
	}
	if outputFormat != "table" {
		return fmt.Errorf("unknown output format %q", outputFormat)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func colorStatus(status string) string {
	if noColor {
		return status
	}
	switch status {
	case "completed", "active":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "running", "paused":
		return color.YellowString(status)
	case "cancelled", "deleted":
		return color.HiBlackString(status)
	default:
		return status
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
