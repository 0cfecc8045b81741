package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

func renderField(label, value string) string {
	return labelStyle.Render(label+":") + " " + valueStyle.Render(value)
}

func renderError(err error) string {
	return errorStyle.Render("Error:") + " " + err.Error()
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

func renderFiles(files []string) string {
	if len(files) == 0 {
		return titleStyle.Render("Downloaded an empty archive")
	}

	t := newTable("FILE", "SIZE")
	var total int64
	for _, f := range files {
		size := "?"
		if info, err := os.Stat(f); err == nil {
			size = datasize.ByteSize(info.Size()).HumanReadable()
			total += info.Size()
		}
		t.Row(f, size)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Downloaded %d files (%s)", len(files), datasize.ByteSize(total).HumanReadable())))
	b.WriteString("\n")
	b.WriteString(t.Render())
	return b.String()
}

func renderAddresses(addrs []string) string {
	if len(addrs) == 0 {
		return labelStyle.Render("No swarm addresses")
	}
	t := newTable("ADDRESS")
	for _, addr := range addrs {
		t.Row(addr)
	}
	return t.Render()
}
