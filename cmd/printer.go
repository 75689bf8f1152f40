package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// printWarn prints a warning to the screen.
func printWarn(message string) {
	message = "[-] " + message

	color.New(color.FgYellow, color.Bold).Println(message)
}

// printError prints an error to the screen.
func printError(err error) {
	message := "[!] " + err.Error()

	color.New(color.FgRed, color.Bold).Println(message)
}

// printInfo prints an informational message to the screen.
func printInfo(message string) {
	color.New(color.FgCyan).Println("[+] " + message)
}

// table prints rows with columns padded to the widest cell.
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{header: header}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) write(w io.Writer) {
	widths := make([]int, len(t.header))
	for _, row := range append([][]string{t.header}, t.rows...) {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell))
			}
		}
	}

	line := func(row []string) string {
		var sb strings.Builder

		for i, cell := range row {
			if i >= len(widths) {
				break
			}

			if i > 0 {
				sb.WriteString("  ")
			}

			if i == len(row)-1 {
				sb.WriteString(cell)
				continue
			}

			sb.WriteString(runewidth.FillRight(cell, widths[i]))
		}

		return sb.String()
	}

	headers := make([]string, len(t.header))
	for i, h := range t.header {
		headers[i] = titleCase(h)
	}

	color.New(color.Bold).Fprintln(w, line(headers))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row))
	}
}

// yesNo formats a boolean property.
func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}

// stateName formats a state name for display, for example "streaming" to "Streaming".
func stateName(state string) string {
	return titleCase(strings.ToLower(state))
}

// titleCase title-cases s. A caser is not safe for concurrent use.
func titleCase(s string) string {
	return cases.Title(language.Und, cases.NoLower).String(s)
}
