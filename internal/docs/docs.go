// Package docs renders the command reference as Markdown, for the README or
// a wiki page.
package docs

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/template"

	"github.com/keshon/textcmd/pkg/cmd"
)

// DefaultTemplate is used when no template is given.
const DefaultTemplate = "# Commands\n\n{{.CommandSections}}"

// Options control rendering.
type Options struct {
	// Prefix is shown in front of every command, "!" when empty.
	Prefix string
	// Categories lists the sections in order. Commands in other categories
	// are listed under "Other" at the end.
	Categories []string
	// Template is a text/template with a .CommandSections field.
	Template string
}

// Render writes the reference for every command in table to w.
func Render(w io.Writer, table cmd.Table, opts Options) error {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}
	tmpl, err := template.New("docs").Parse(opts.Template)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	data := struct {
		CommandSections string
	}{
		CommandSections: Sections(table, opts.Prefix, opts.Categories),
	}
	return tmpl.Execute(w, data)
}

// Sections returns one Markdown section per category.
func Sections(table cmd.Table, prefix string, categories []string) string {
	grouped := make(map[string][]*cmd.Command)
	known := make(map[string]bool, len(categories))
	for _, c := range categories {
		known[c] = true
	}
	for _, c := range table.All() {
		cat := c.Category
		if !known[cat] {
			cat = ""
		}
		grouped[cat] = append(grouped[cat], c)
	}

	var sb strings.Builder
	for _, cat := range append(slices.Clip(categories), "") {
		list := grouped[cat]
		if len(list) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		name := "Other"
		if cat != "" {
			name = strings.ToUpper(cat[:1]) + cat[1:]
		}
		fmt.Fprintf(&sb, "### %s\n\n", name)
		for _, c := range list {
			fmt.Fprintf(&sb, "- **%s%s** - %s\n", prefix, c.ID, c.Description)
			if len(c.Aliases) > 0 {
				fmt.Fprintf(&sb, "  Aliases: %s\n", strings.Join(c.Aliases, ", "))
			}
			if c.Usage != "" && c.Usage != c.ID {
				fmt.Fprintf(&sb, "  Usage: `%s%s`\n", prefix, c.Usage)
			}
		}
	}
	return sb.String()
}
