package main

import (
	"text/template"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	helpHeaderStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	helpCmdStyle    = lipgloss.NewStyle().Foreground(colorPrimaryLight)
)

// styled renders through st on a terminal and passes text through otherwise.
func styled(st lipgloss.Style) func(string) string {
	return func(s string) string {
		if !isTTY() {
			return s
		}
		return st.Render(s)
	}
}

var helpTemplateFuncs = template.FuncMap{
	"header": styled(helpHeaderStyle),
	"cmd":    styled(helpCmdStyle),
	"muted":  styled(mutedStyle),
	// Only the root command opens with the banner.
	"banner": func(c *cobra.Command) string {
		if !isTTY() || c.HasParent() {
			return ""
		}
		return renderBannerWithTagline() + "\n\n"
	},
}

const helpTemplate = `{{banner .}}{{with or .Long .Short}}{{. | trimTrailingWhitespaces}}

{{end}}{{header "Usage:"}}{{if .Runnable}}
  {{cmd .UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{cmd .CommandPath}} {{muted "[command]"}}{{end}}
{{if gt (len .Aliases) 0}}
{{header "Aliases:"}}
  {{.NameAndAliases}}
{{end}}{{if .HasExample}}
{{header "Examples:"}}
{{.Example}}
{{end}}{{if .HasAvailableSubCommands}}
{{header "Commands:"}}{{range .Commands}}{{if .IsAvailableCommand}}
  {{cmd (rpad .Name .NamePadding)}} {{.Short}}{{end}}{{end}}
{{end}}{{if .HasAvailableLocalFlags}}
{{header "Flags:"}}
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasAvailableInheritedFlags}}
{{header "Global Flags:"}}
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasAvailableSubCommands}}
{{muted "Use"}} {{cmd (printf "%s [command] --help" .CommandPath)}} {{muted "for more information."}}
{{end}}`

// initHelp installs the styled help template; subcommands inherit it.
func initHelp(root *cobra.Command) {
	cobra.AddTemplateFuncs(helpTemplateFuncs)
	root.SetHelpTemplate(helpTemplate)
}
