package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/neodock/neodock/internal/domain"
)

var (
	colorPrimary = lipgloss.Color("#018BFF")
	colorMuted   = lipgloss.Color("#7D7D7D")
	colorError   = lipgloss.Color("#E5484D")
	colorSuccess = lipgloss.Color("#30A46C")

	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
)

// renderTable draws rows with a rounded border and a styled header.
func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func instanceRows(records []domain.ContainerRecord, now time.Time) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		created := "-"
		if !rec.CreatedAt.IsZero() {
			created = humanize.RelTime(rec.CreatedAt, now, "ago", "from now")
		}
		rows = append(rows, []string{
			shortID(rec.ContainerID),
			rec.Name,
			string(rec.Environment),
			string(rec.State),
			rec.BoltURI(),
			created,
		})
	}
	return rows
}

func portRows(allocs []domain.PortAllocation) [][]string {
	rows := make([][]string, 0, len(allocs))
	for _, a := range allocs {
		rows = append(rows, []string{
			a.InstanceName,
			string(a.Environment),
			strconv.Itoa(a.HTTPPort),
			strconv.Itoa(a.BoltPort),
			humanize.Time(a.AllocatedAt),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// printf writes one styled line.
func printf(w io.Writer, style lipgloss.Style, format string, args ...any) {
	fmt.Fprintln(w, style.Render(fmt.Sprintf(format, args...)))
}
