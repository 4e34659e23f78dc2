package larder

import (
	"fmt"
	"strings"
)

// Formatter renders a recipe into the human-readable file stored next to
// the canonical one.
type Formatter interface {
	Format(r *Recipe) (string, error)
}

// TextFormatter renders recipes as plain text.
type TextFormatter struct{}

// Format implements Formatter.
func (TextFormatter) Format(r *Recipe) (string, error) {
	if r == nil {
		return "", ErrRecipeNotFound
	}

	var b strings.Builder
	heading(&b, r.Title, "=")

	if r.Description != "" {
		b.WriteString(r.Description)
		b.WriteString("\n\n")
	}

	var facts []string
	if r.Servings > 0 {
		facts = append(facts, fmt.Sprintf("Servings: %d", r.Servings))
	}
	if r.PrepMinutes > 0 {
		facts = append(facts, fmt.Sprintf("Prep: %d min", r.PrepMinutes))
	}
	if r.CookMinutes > 0 {
		facts = append(facts, fmt.Sprintf("Cook: %d min", r.CookMinutes))
	}
	if len(facts) > 0 {
		b.WriteString(strings.Join(facts, " | "))
		b.WriteString("\n")
	}
	if len(r.Tags) > 0 {
		b.WriteString("Tags: ")
		b.WriteString(strings.Join(r.Tags, ", "))
		b.WriteString("\n")
	}
	if len(facts) > 0 || len(r.Tags) > 0 {
		b.WriteString("\n")
	}

	if len(r.Ingredients) > 0 {
		heading(&b, "Ingredients", "-")
		for _, ing := range r.Ingredients {
			b.WriteString("- ")
			b.WriteString(ingredientLine(ing))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(r.Steps) > 0 {
		heading(&b, "Steps", "-")
		for i, step := range r.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
		b.WriteString("\n")
	}

	if r.Notes != "" {
		heading(&b, "Notes", "-")
		b.WriteString(r.Notes)
		b.WriteString("\n\n")
	}

	if r.SourceURL != "" {
		fmt.Fprintf(&b, "Source: %s\n", r.SourceURL)
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func heading(b *strings.Builder, title, rule string) {
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat(rule, max(len([]rune(title)), 3)))
	b.WriteString("\n\n")
}

func ingredientLine(ing Ingredient) string {
	var parts []string
	for _, p := range []string{ing.Quantity, ing.Unit, ing.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	line := strings.Join(parts, " ")
	if ing.Note != "" {
		line += " (" + ing.Note + ")"
	}
	return line
}
