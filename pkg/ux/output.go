// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders command results for the terminal.
//
// A Printer writes styled output when it is attached to a terminal and
// rich output is requested, and plain text otherwise, so piping results
// into files or other tools never carries escape codes.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
	Code      lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	Code: lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), false, false, false, true).
		BorderForeground(ColorSlate).
		PaddingLeft(1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Printer writes command output.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w    io.Writer
	rich bool
}

// NewPrinter returns a printer for w. Styling is enabled only when rich is
// set and w is a terminal.
func NewPrinter(w io.Writer, rich bool) *Printer {
	return &Printer{w: w, rich: rich && IsTerminal(w)}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Rich reports whether styling is enabled.
func (p *Printer) Rich() bool {
	return p.rich
}

// Style renders text with s when styling is enabled.
func (p *Printer) Style(s lipgloss.Style, text string) string {
	if !p.rich {
		return text
	}
	return s.Render(text)
}

// Icon renders an icon with its semantic color.
func (p *Printer) Icon(i Icon) string {
	switch i {
	case IconSuccess:
		return p.Style(Styles.Success, string(i))
	case IconWarning:
		return p.Style(Styles.Warning, string(i))
	case IconError:
		return p.Style(Styles.Error, string(i))
	case IconPending:
		return p.Style(Styles.Muted, string(i))
	default:
		return string(i)
	}
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.Style(Styles.Title, text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Icon(IconSuccess), p.Style(Styles.Success, text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Icon(IconWarning), p.Style(Styles.Warning, text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Icon(IconError), p.Style(Styles.Error, text))
}

// Info prints an informational line
func (p *Printer) Info(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Style(Styles.Muted, "│"), text)
}

// Muted prints secondary text
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.w, p.Style(Styles.Muted, text))
}

// Line prints text unchanged.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.w, text)
}

// KeyValue prints an aligned "key: value" line.
func (p *Printer) KeyValue(key, value string) {
	fmt.Fprintf(p.w, "  %s %s\n", p.Style(Styles.Muted, fmt.Sprintf("%-14s", key+":")), value)
}

// Box prints content in a rounded box. Without styling it prints a title
// line followed by the content.
func (p *Printer) Box(title, content string) {
	if !p.rich {
		fmt.Fprintf(p.w, "%s\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// Code prints a source listing.
func (p *Printer) Code(title, code string) {
	code = strings.TrimRight(code, "\n")
	if !p.rich {
		fmt.Fprintf(p.w, "--- %s ---\n%s\n", title, code)
		return
	}
	fmt.Fprintln(p.w, Styles.Subtitle.Render(title))
	fmt.Fprintln(p.w, Styles.Code.Render(code))
}

// Table prints rows in aligned columns under a header.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	format := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if i < len(widths)-1 {
				parts[i] = fmt.Sprintf("%-*s", widths[i], c)
			} else {
				parts[i] = c
			}
		}
		return strings.Join(parts, "  ")
	}
	fmt.Fprintln(p.w, p.Style(Styles.Bold, format(header)))
	for _, row := range rows {
		fmt.Fprintln(p.w, format(row))
	}
}

// CoverageBar renders pct against target as a bar of the given width.
func (p *Printer) CoverageBar(pct, target float64, width int) string {
	if width <= 0 {
		width = 20
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	bar := strings.Repeat("█", filled)
	rest := strings.Repeat("░", width-filled)
	label := fmt.Sprintf("%6.2f%%", pct)

	style := Styles.Success
	if pct < target {
		style = Styles.Warning
	}
	if !p.rich {
		return fmt.Sprintf("[%s%s] %s", strings.Repeat("#", filled), strings.Repeat(".", width-filled), label)
	}
	return style.Render(bar) + Styles.Muted.Render(rest) + " " + style.Render(label)
}
