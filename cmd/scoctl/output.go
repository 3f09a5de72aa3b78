package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/srg/btsco/internal/scenario"
)

func renderReport(w io.Writer, report *scenario.Report, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(report); err != nil {
			return err
		}
		return encoder.Close()
	case "table", "":
		return renderTable(w, report, colorEnabled(w))
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// colorEnabled is true only for terminals, and never when NO_COLOR is set.
func colorEnabled(w io.Writer) bool {
	if _, off := os.LookupEnv("NO_COLOR"); off {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func paint(enabled bool, attrs ...color.Attribute) func(a ...interface{}) string {
	c := color.New(attrs...)
	if enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.SprintFunc()
}

func renderTable(w io.Writer, report *scenario.Report, colors bool) error {
	ok := paint(colors, color.FgGreen)
	fail := paint(colors, color.FgRed, color.Bold)
	dim := paint(colors, color.Faint)
	head := paint(colors, color.Bold)

	name := report.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "%s %s\n\n", head("Scenario:"), name)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tRESULT\tSTATE\tCLIENTS\tCOMMANDS\tNOTIFIED\tCHECK")
	for _, st := range report.Steps {
		result := "-"
		if st.Result != nil {
			result = fmt.Sprintf("%t", *st.Result)
		}
		check := ok("ok")
		if len(st.Failures) > 0 {
			check = fail("FAIL")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Index, st.Step, result, st.State,
			joinOrDash(st.Clients), joinOrDash(st.Commands), joinOrDash(st.Notifications), check)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, st := range report.Steps {
		for _, f := range st.Failures {
			fmt.Fprintf(w, "%s step %d: %s\n", fail("✗"), st.Index, f)
		}
	}

	fmt.Fprintf(w, "\n%s\n", head("State changes:"))
	if len(report.Changes) == 0 {
		fmt.Fprintln(w, dim("  (none)"))
	}
	for _, c := range report.Changes {
		fmt.Fprintf(w, "  %s -> %s\n", c.Previous, c.State)
	}

	fmt.Fprintf(w, "\n%s", report.Final)

	if n := report.Failures(); n > 0 {
		fmt.Fprintf(w, "\n%s\n", fail(fmt.Sprintf("%d expectation(s) not met", n)))
	} else {
		fmt.Fprintf(w, "\n%s\n", ok(fmt.Sprintf("%d step(s) passed", len(report.Steps))))
	}
	return nil
}

func joinOrDash[T any](items []T) string {
	if len(items) == 0 {
		return "-"
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprint(it)
	}
	return strings.Join(parts, ",")
}
