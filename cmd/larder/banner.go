package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerShelfStyle   = lipgloss.NewStyle().Foreground(colorPrimaryDark)
	bannerJarStyle     = lipgloss.NewStyle().Foreground(colorPrimaryLight)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimary).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderBanner() string {
	jar := bannerJarStyle.Render("▯")
	shelf := bannerShelfStyle.Render(strings.Repeat("▔", 20))
	title := bannerTitleStyle.Render("LARDER")

	lines := []string{
		"    " + jar + " " + jar + "  " + jar + " " + jar + "  " + jar + " " + jar,
		"  " + shelf,
		"         " + title,
	}
	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("     every recipe, every kitchen")
	ver := bannerVersionStyle.Render("           " + version)
	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}
