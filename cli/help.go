package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// HelpExtrasFunc renders additional help sections after COMMANDS.
type HelpExtrasFunc func(w io.Writer, t *Theme)

var (
	helpExtras   = make(map[*cobra.Command]HelpExtrasFunc)
	helpExtrasMu sync.RWMutex
)

const maxWidth = 60
const minWidth = 40

// terminalWidth returns the help width capped at maxWidth. Non-terminals get
// maxWidth so piped help is stable.
func terminalWidth() int {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return maxWidth
	}
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width < minWidth || width > maxWidth {
		return maxWidth
	}
	return width
}

// wrapText wraps text to width, preserving existing line breaks.
func wrapText(text string, width int) string {
	if width <= 0 {
		width = maxWidth
	}

	var result []string
	for _, paragraph := range strings.Split(text, "\n") {
		if len(paragraph) <= width {
			result = append(result, paragraph)
			continue
		}

		var line string
		for _, word := range strings.Fields(paragraph) {
			if line == "" {
				line = word
			} else if len(line)+1+len(word) <= width {
				line += " " + word
			} else {
				result = append(result, line)
				line = word
			}
		}
		if line != "" {
			result = append(result, line)
		}
	}
	return strings.Join(result, "\n")
}

// SetStyledHelp applies collab styling to a command's help output.
func SetStyledHelp(cmd *cobra.Command) {
	cmd.SetHelpFunc(styledHelpFunc)
}

// ApplyStyledHelpRecursive applies styled help and usage to a command and
// all of its subcommands. Call it after every subcommand is added.
func ApplyStyledHelpRecursive(cmd *cobra.Command) {
	cmd.SetHelpFunc(styledHelpFunc)
	cmd.SetUsageFunc(styledUsageFunc)
	for _, sub := range cmd.Commands() {
		ApplyStyledHelpRecursive(sub)
	}
}

// styledUsageFunc is silent; Execute prints errors with a help hint.
func styledUsageFunc(cmd *cobra.Command) error {
	return nil
}

// SetStyledHelpWithExtras registers extra help sections for cmd.
func SetStyledHelpWithExtras(cmd *cobra.Command, extras HelpExtrasFunc) {
	helpExtrasMu.Lock()
	helpExtras[cmd] = extras
	helpExtrasMu.Unlock()
	cmd.SetHelpFunc(styledHelpFunc)
}

// parseDescription splits a long description into text and examples.
func parseDescription(long string) (description string, examples string) {
	markers := []string{"\nExamples:\n", "\nExample:\n", "\nEXAMPLES:\n", "\nEXAMPLE:\n"}
	for _, marker := range markers {
		if idx := strings.Index(long, marker); idx != -1 {
			return strings.TrimSpace(long[:idx]), strings.TrimSpace(long[idx+len(marker):])
		}
	}
	return long, ""
}

func renderExamples(w io.Writer, t *Theme, examples string, cmdPath string) {
	rootCmd := strings.Split(cmdPath, " ")[0]

	for _, line := range strings.Split(examples, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			fmt.Fprintln(w)
		case strings.HasPrefix(trimmed, "#"):
			fmt.Fprintln(w, " "+t.Muted.Render(trimmed))
		default:
			fmt.Fprintln(w, " "+styleCommandLine(trimmed, rootCmd, t.Command, t.Title, t.Flag))
		}
	}
}

// styleCommandLine colors the root command, subcommand and flags of an
// example invocation.
func styleCommandLine(line, rootCmd string, mainStyle, subStyle, flagStyle lipgloss.Style) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return line
	}

	result := make([]string, 0, len(parts))
	for i, part := range parts {
		switch {
		case i == 0 && part == rootCmd:
			result = append(result, mainStyle.Render(part))
		case i == 1 && !strings.HasPrefix(part, "-"):
			result = append(result, subStyle.Render(part))
		case strings.HasPrefix(part, "-"):
			result = append(result, flagStyle.Render(part))
		default:
			result = append(result, part)
		}
	}
	return "  " + strings.Join(result, " ")
}

func styledHelpFunc(cmd *cobra.Command, args []string) {
	t := DefaultTheme
	w := cmd.OutOrStdout()
	width := terminalWidth() - 2

	fmt.Fprintln(w, " "+t.Title.Render(strings.ToUpper(cmd.CommandPath())))

	var description, examples string
	if cmd.Long != "" {
		description, examples = parseDescription(cmd.Long)
	} else {
		description = cmd.Short
	}

	if cmd.Short != "" {
		for _, line := range strings.Split(wrapText(cmd.Short, width), "\n") {
			fmt.Fprintln(w, " "+t.Italic.Render(line))
		}
	}
	if description != "" && description != cmd.Short {
		fmt.Fprintln(w)
		for _, line := range strings.Split(wrapText(description, width), "\n") {
			fmt.Fprintln(w, " "+line)
		}
	}

	if cmd.Runnable() || cmd.HasSubCommands() {
		fmt.Fprintln(w, "\n "+t.Section.Render("USAGE"))
		if cmd.Runnable() {
			fmt.Fprintf(w, " %s\n", cmd.UseLine())
		}
		if cmd.HasSubCommands() {
			fmt.Fprintf(w, " %s [command]\n", cmd.CommandPath())
		}
	}

	if cmd.HasAvailableSubCommands() {
		maxLen := 0
		for _, sub := range cmd.Commands() {
			if sub.IsAvailableCommand() && len(sub.Name()) > maxLen {
				maxLen = len(sub.Name())
			}
		}

		fmt.Fprintln(w, "\n "+t.Section.Render("COMMANDS"))
		for _, sub := range cmd.Commands() {
			if sub.IsAvailableCommand() {
				padding := strings.Repeat(" ", maxLen-len(sub.Name()))
				fmt.Fprintf(w, " %s%s  %s\n", t.Command.Render(sub.Name()), padding, sub.Short)
			}
		}
	}

	var visibleFlags []*pflag.Flag
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if !f.Hidden {
			visibleFlags = append(visibleFlags, f)
		}
	})

	if len(visibleFlags) > 0 {
		if cmd.HasAvailableSubCommands() {
			// Parent commands list flags inline.
			flags := make([]string, 0, len(visibleFlags))
			for _, f := range visibleFlags {
				if f.Shorthand != "" {
					flags = append(flags, fmt.Sprintf("-%s/--%s", f.Shorthand, f.Name))
				} else {
					flags = append(flags, fmt.Sprintf("--%s", f.Name))
				}
			}
			fmt.Fprintln(w, "\n "+t.Muted.Render("Flags: "+strings.Join(flags, ", ")))
		} else {
			fmt.Fprintln(w, "\n "+t.Section.Render("FLAGS"))
			maxFlagLen := 0
			for _, f := range visibleFlags {
				if l := len(formatFlagName(f)); l > maxFlagLen {
					maxFlagLen = l
				}
			}
			for _, f := range visibleFlags {
				flagStr := formatFlagName(f)
				padding := strings.Repeat(" ", maxFlagLen-len(flagStr))
				indent := strings.Repeat(" ", maxFlagLen+3)

				usage, choices := parseChoices(f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "[]" {
					usage += t.Muted.Render(fmt.Sprintf(" (default: %s)", f.DefValue))
				}
				fmt.Fprintf(w, " %s%s  %s\n", t.Flag.Render(flagStr), padding, usage)
				for _, choice := range choices {
					fmt.Fprintf(w, " %s  %s\n", indent, t.Muted.Render("• "+choice))
				}
			}
		}
	}

	exampleText := cmd.Example
	if exampleText == "" {
		exampleText = examples
	}
	if exampleText != "" {
		fmt.Fprintln(w, "\n "+t.Section.Render("EXAMPLES"))
		renderExamples(w, t, exampleText, cmd.CommandPath())
	}

	helpExtrasMu.RLock()
	extras := helpExtras[cmd]
	helpExtrasMu.RUnlock()
	if extras != nil {
		extras(w, t)
	}

	if cmd.HasSubCommands() {
		fmt.Fprintf(w, "\n Use \"%s [command] --help\" for more information.\n", cmd.CommandPath())
	}
}

// formatFlagName returns "-f, --flag" or "    --flag".
func formatFlagName(f *pflag.Flag) string {
	if f.Shorthand != "" {
		return fmt.Sprintf("-%s, --%s", f.Shorthand, f.Name)
	}
	return fmt.Sprintf("    --%s", f.Name)
}

// parseChoices extracts enumerated choices from a flag usage string. It
// understands "label: a, b, c" and a first line followed by "• choice" lines.
func parseChoices(usage string) (description string, choices []string) {
	lines := strings.Split(usage, "\n")
	if len(lines) > 1 {
		var baseDesc string
		var bulletChoices []string
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "• ") || strings.HasPrefix(trimmed, "- ") {
				choice := strings.TrimPrefix(trimmed, "• ")
				choice = strings.TrimPrefix(choice, "- ")
				bulletChoices = append(bulletChoices, choice)
			} else if i == 0 && trimmed != "" {
				baseDesc = trimmed
			}
		}
		if len(bulletChoices) > 0 {
			return baseDesc, bulletChoices
		}
	}

	colonIdx := strings.Index(usage, ": ")
	if colonIdx == -1 {
		return usage, nil
	}

	afterColon := usage[colonIdx+2:]
	choicesStr, suffix := afterColon, ""
	if endIdx := strings.Index(afterColon, " ("); endIdx != -1 {
		choicesStr = afterColon[:endIdx]
		suffix = afterColon[endIdx:]
	}

	parts := strings.Split(choicesStr, ", ")
	if len(parts) < 3 {
		return usage, nil
	}
	for i, p := range parts {
		parts[i] = strings.TrimSpace(strings.TrimPrefix(p, "or "))
	}

	return usage[:colonIdx+1] + suffix, parts
}
