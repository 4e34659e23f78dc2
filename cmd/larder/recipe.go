package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/larder"
	"github.com/spf13/cobra"
)

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Add, show and delete recipes",
	Long: `Manage the recipes in a library. Every change is queued for the remote
and goes out on the next sync pass.

Example:
  larder recipe add --title "Tacos" --ingredient "8||corn tortillas" --step "Warm the tortillas."
  larder recipe add --file tacos.json --source tacos.jpg
  larder recipe list
  larder recipe show 01HZY3...`,
}

var recipeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a recipe",
	Long: `Add a recipe from flags or from a JSON file.

Ingredients use "quantity|unit|name"; a value without '|' is taken as the
name alone.`,
	RunE: runRecipeAdd,
}

var recipeEditCmd = &cobra.Command{
	Use:   "edit <recipe-id>",
	Short: "Change fields of a recipe",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipeEdit,
}

var recipeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipes",
	RunE:  runRecipeList,
}

var recipeShowCmd = &cobra.Command{
	Use:   "show <recipe-id>",
	Short: "Show a recipe",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipeShow,
}

var recipeDeleteCmd = &cobra.Command{
	Use:   "delete <recipe-id>",
	Short: "Delete a recipe",
	Long:  `Delete a recipe locally. Its remote copy is removed on the next sync pass unless it was edited remotely in the meantime.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipeDelete,
}

var (
	recipeTitle       string
	recipeDescription string
	recipeServings    int
	recipePrep        int
	recipeCook        int
	recipeIngredients []string
	recipeSteps       []string
	recipeTags        []string
	recipeNotes       string
	recipeURL         string
	recipeFile        string
	recipeSource      string
)

func init() {
	for _, c := range []*cobra.Command{recipeAddCmd, recipeEditCmd} {
		f := c.Flags()
		f.StringVar(&recipeTitle, "title", "", "Recipe title")
		f.StringVar(&recipeDescription, "description", "", "Short description")
		f.IntVar(&recipeServings, "servings", 0, "Number of servings")
		f.IntVar(&recipePrep, "prep", 0, "Preparation time in minutes")
		f.IntVar(&recipeCook, "cook", 0, "Cooking time in minutes")
		f.StringArrayVar(&recipeIngredients, "ingredient", nil, `Ingredient as "quantity|unit|name" (repeatable)`)
		f.StringArrayVar(&recipeSteps, "step", nil, "Method step (repeatable)")
		f.StringArrayVar(&recipeTags, "tag", nil, "Tag (repeatable)")
		f.StringVar(&recipeNotes, "notes", "", "Free-form notes")
		f.StringVar(&recipeURL, "url", "", "Source URL")
		f.StringVar(&recipeSource, "source", "", "Attach the original document (photo, PDF, ...)")
	}
	recipeAddCmd.Flags().StringVar(&recipeFile, "file", "", "Read the recipe from a JSON file")

	recipeCmd.AddCommand(recipeAddCmd, recipeEditCmd, recipeListCmd, recipeShowCmd, recipeDeleteCmd)
	rootCmd.AddCommand(recipeCmd)
}

func parseIngredient(s string) larder.Ingredient {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) < 3 {
		return larder.Ingredient{Name: strings.TrimSpace(s)}
	}
	return larder.Ingredient{
		Quantity: strings.TrimSpace(parts[0]),
		Unit:     strings.TrimSpace(parts[1]),
		Name:     strings.TrimSpace(parts[2]),
	}
}

// applyRecipeFlags copies the flags the user set onto r.
func applyRecipeFlags(cmd *cobra.Command, r *larder.Recipe) {
	f := cmd.Flags()
	if f.Changed("title") {
		r.Title = recipeTitle
	}
	if f.Changed("description") {
		r.Description = recipeDescription
	}
	if f.Changed("servings") {
		r.Servings = recipeServings
	}
	if f.Changed("prep") {
		r.PrepMinutes = recipePrep
	}
	if f.Changed("cook") {
		r.CookMinutes = recipeCook
	}
	if f.Changed("ingredient") {
		r.Ingredients = r.Ingredients[:0]
		for _, s := range recipeIngredients {
			r.Ingredients = append(r.Ingredients, parseIngredient(s))
		}
	}
	if f.Changed("step") {
		r.Steps = append([]string(nil), recipeSteps...)
	}
	if f.Changed("tag") {
		r.Tags = append([]string(nil), recipeTags...)
	}
	if f.Changed("notes") {
		r.Notes = recipeNotes
	}
	if f.Changed("url") {
		r.SourceURL = recipeURL
	}
}

func readSource(path string) (larder.SourceDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return larder.SourceDocument{}, fmt.Errorf("read source: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return larder.SourceDocument{Name: filepath.Base(path), MimeType: mimeType, Content: data}, nil
}

func saveWithSource(ctx context.Context, client *larder.Client, r *larder.Recipe) (*larder.Recipe, error) {
	saved, err := client.SaveRecipe(ctx, r)
	if err != nil {
		return nil, err
	}
	if recipeSource != "" {
		doc, err := readSource(recipeSource)
		if err != nil {
			return saved, err
		}
		if err := client.AttachSource(ctx, saved.ID, doc); err != nil {
			return saved, err
		}
	}
	return saved, nil
}

func runRecipeAdd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	r := &larder.Recipe{}
	if recipeFile != "" {
		data, err := os.ReadFile(recipeFile)
		if err != nil {
			return fmt.Errorf("read recipe file: %w", err)
		}
		parsed, err := larder.DecodeRecipe(data)
		if err != nil {
			return err
		}
		parsed.ID = ""
		r = parsed
	}
	applyRecipeFlags(cmd, r)

	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	saved, err := saveWithSource(ctx, client, r)
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, saved)
	}
	printSuccess(cmd.OutOrStdout(), "Added %q (%s)", saved.Title, saved.ID)
	return nil
}

func runRecipeEdit(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	r, err := client.GetRecipe(ctx, args[0])
	if err != nil {
		return err
	}
	applyRecipeFlags(cmd, r)

	saved, err := saveWithSource(ctx, client, r)
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, saved)
	}
	printSuccess(cmd.OutOrStdout(), "Updated %q", saved.Title)
	return nil
}

func runRecipeList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	recipes, err := client.ListRecipes(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, recipes)
	}

	out := cmd.OutOrStdout()
	if len(recipes) == 0 {
		printWarning(out, "No recipes in %s.", client.Library())
		printMuted(out, "Add one with: larder recipe add --title <title>")
		return nil
	}
	rows := make([][]string, 0, len(recipes))
	for _, r := range recipes {
		rows = append(rows, []string{r.ID, r.Title, strings.Join(r.Tags, ", "), r.UpdatedAt.Local().Format(time.DateOnly)})
	}
	printInfo(out, "Recipes in %s (%d):", client.Library(), len(recipes))
	fmt.Fprintln(out, renderTable([]string{"ID", "TITLE", "TAGS", "UPDATED"}, rows))
	return nil
}

func runRecipeShow(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	r, err := client.GetRecipe(ctx, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	if isTTY() {
		fmt.Fprintln(out, renderMarkdown(recipeMarkdown(r)))
		return nil
	}
	text, err := larder.TextFormatter{}.Format(r)
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return nil
}

func runRecipeDelete(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DeleteRecipe(ctx, args[0]); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"deleted": args[0]})
	}
	printSuccess(cmd.OutOrStdout(), "Deleted %s", args[0])
	return nil
}
