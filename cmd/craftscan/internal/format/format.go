// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package format renders CLI output. Styling degrades to plain text when
// stdout is not a terminal; lipgloss and color handle that themselves.
package format

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(20)
	valueStyle = lipgloss.NewStyle().Bold(true)

	warnColor = color.New(color.FgYellow)
)

// Section prints a heading followed by its underline.
func Section(w io.Writer, title string) {
	fmt.Fprintln(w, titleStyle.Render(title))
}

// Row prints one aligned label/value pair under a section.
func Row(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label), valueStyle.Render(fmt.Sprint(value)))
}

// Warn prints a highlighted warning line.
func Warn(w io.Writer, format string, args ...any) {
	warnColor.Fprintf(w, format+"\n", args...)
}
