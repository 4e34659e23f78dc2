package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/larder"
	"github.com/spf13/cobra"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to w with a hint for the errors users can
// act on.
func outputError(w io.Writer, err error) {
	var ve *larder.ValidationError
	switch {
	case errors.As(err, &ve):
		fmt.Fprintln(w, renderErrorPanel(err.Error(), "", "Check your flags, LARDER_* environment variables and config file"))
	case errors.Is(err, larder.ErrNotAuthenticated):
		fmt.Fprintln(w, renderErrorPanel(err.Error(), "", "Run 'larder sync login' to authorize Google Drive"))
	case errors.Is(err, larder.ErrOffline):
		fmt.Fprintln(w, renderErrorPanel(err.Error(), "no remote configured", "Pass --remote drive or --remote folder, or set remote.kind in the config file"))
	case errors.Is(err, larder.ErrSyncLocked):
		fmt.Fprintln(w, renderErrorPanel(err.Error(), "another larder process is syncing this library", "Wait for it to finish or stop it"))
	case errors.Is(err, larder.ErrConflictRefNotFound):
		fmt.Fprintln(w, renderErrorPanel(err.Error(), "", "Run 'larder conflicts list' to see current references"))
	default:
		fmt.Fprintf(w, "Error: %s\n", err)
	}
}

// recipeMarkdown renders a recipe as markdown for glamour.
func recipeMarkdown(r *larder.Recipe) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", r.Title)
	if r.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", r.Description)
	}

	var facts []string
	if r.Servings > 0 {
		facts = append(facts, fmt.Sprintf("**Serves** %d", r.Servings))
	}
	if r.PrepMinutes > 0 {
		facts = append(facts, fmt.Sprintf("**Prep** %d min", r.PrepMinutes))
	}
	if r.CookMinutes > 0 {
		facts = append(facts, fmt.Sprintf("**Cook** %d min", r.CookMinutes))
	}
	if len(facts) > 0 {
		sb.WriteString(strings.Join(facts, " · ") + "\n\n")
	}

	if len(r.Ingredients) > 0 {
		sb.WriteString("## Ingredients\n\n")
		for _, ing := range r.Ingredients {
			parts := []string{ing.Quantity, ing.Unit, ing.Name}
			fmt.Fprintf(&sb, "- %s\n", strings.Join(strings.Fields(strings.Join(parts, " ")), " "))
		}
		sb.WriteString("\n")
	}
	if len(r.Steps) > 0 {
		sb.WriteString("## Method\n\n")
		for i, step := range r.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
		sb.WriteString("\n")
	}
	if r.Notes != "" {
		fmt.Fprintf(&sb, "## Notes\n\n%s\n\n", r.Notes)
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(&sb, "*%s*\n", strings.Join(r.Tags, ", "))
	}
	return sb.String()
}

func outputPass(out io.Writer, r *larder.PassReport, took time.Duration) {
	switch r.Skipped {
	case larder.SkipNotAuthenticated:
		printWarning(out, "Sync skipped: remote not authenticated")
		printMuted(out, "Run 'larder sync login' to authorize")
		return
	case larder.SkipNotConfigured:
		printWarning(out, "Sync skipped: sync is not enabled")
		printMuted(out, "Run 'larder sync enable' first")
		return
	}

	if r.Deferred {
		printWarning(out, "Sync stopped early: the remote rejected our credentials")
	} else {
		printSuccess(out, "Sync complete (took %s)", took.Round(time.Millisecond))
	}
	printField(out, "Succeeded", strconv.Itoa(r.Succeeded))
	if r.Retrying > 0 {
		printField(out, "Retrying", strconv.Itoa(r.Retrying))
	}
	if r.NotDue > 0 {
		printField(out, "Not yet due", strconv.Itoa(r.NotDue))
	}
	if n := len(r.Exhausted); n > 0 {
		printField(out, "Gave up", strconv.Itoa(n))
	}
	conflicts := len(r.Conflicts)
	if r.Changes != nil {
		conflicts += len(r.Changes.Conflicts)
		if n := len(r.Changes.NewRemote); n > 0 {
			printField(out, "Unknown", fmt.Sprintf("%d remote recipe(s) not in this library", n))
		}
	}
	if n := len(r.Mismatches); n > 0 {
		printField(out, "Kept", fmt.Sprintf("%d remote recipe(s) changed since delete was queued", n))
	}
	if r.ChangeErr != "" {
		printWarning(out, "Change poll failed: %s", r.ChangeErr)
	}
	if conflicts > 0 {
		printWarning(out, "%d recipe(s) in conflict; run 'larder conflicts list'", conflicts)
	}
}

func outputStatus(out io.Writer, st *larder.Status) {
	var sb strings.Builder
	remote := st.Remote
	if remote == "" {
		remote = "none (offline)"
	}
	fmt.Fprintf(&sb, "Library:   %s\n", st.Library)
	fmt.Fprintf(&sb, "Remote:    %s\n", remote)
	if st.State.Configured() {
		fmt.Fprintf(&sb, "Sync:      enabled → %s\n", st.State.RemoteFolderName)
	} else {
		sb.WriteString("Sync:      disabled\n")
	}
	last := "never"
	if st.State.LastFullSyncAt != nil {
		last = st.State.LastFullSyncAt.Local().Format(time.DateTime)
	}
	fmt.Fprintf(&sb, "Last pass: %s\n", last)
	fmt.Fprintf(&sb, "Recipes:   %d (%d synced)\n", st.Stats.RecipeCount, st.Stats.Synced)
	fmt.Fprintf(&sb, "Pending:   %d\n", st.Stats.PendingOperations)
	fmt.Fprintf(&sb, "Attention: %d conflict(s), %d error(s)", st.Conflicts, st.Errors)
	if st.State.LastSyncError != "" {
		fmt.Fprintf(&sb, "\nLast error: %s", st.State.LastSyncError)
	}
	fmt.Fprintln(out, renderPanel("Sync Status", sb.String()))
}

func outputConflicts(out io.Writer, conflicts []larder.Conflict) {
	if len(conflicts) == 0 {
		printSuccess(out, "No recipes need attention")
		return
	}
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		title := c.Title
		if c.LocalDeleted {
			title = "(deleted locally)"
		}
		last := "never"
		if c.LastSyncedAt != nil {
			last = c.LastSyncedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{c.Ref, string(c.Status), title, strconv.FormatInt(c.RemoteVersion, 10), last})
	}
	printInfo(out, "%d recipe(s) need attention:", len(conflicts))
	fmt.Fprintln(out, renderTable([]string{"REF", "STATUS", "TITLE", "REMOTE VERSION", "LAST SYNCED"}, rows))
	printMuted(out, "Resolve with: larder conflicts resolve <ref> --keep local|remote")
}
