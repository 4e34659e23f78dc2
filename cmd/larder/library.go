package main

import (
	"fmt"
	"strconv"

	"github.com/hyperengineering/larder"
	"github.com/hyperengineering/larder/internal/store"
	"github.com/spf13/cobra"
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Inspect local recipe libraries",
	Long: `Each library is a separate database under ~/.larder/libraries (or
$LARDER_HOME/libraries) with its own sync folder and queue.

Example:
  larder library list
  larder --library family recipe list`,
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local libraries",
	RunE:  runLibraryList,
}

func init() {
	libraryCmd.AddCommand(libraryListCmd)
	rootCmd.AddCommand(libraryCmd)
}

// LibraryListEntry is one library in list output.
type LibraryListEntry struct {
	ID          string `json:"id"`
	Recipes     int    `json:"recipes"`
	Pending     int    `json:"pending_operations"`
	SyncEnabled bool   `json:"sync_enabled"`
	SyncFolder  string `json:"sync_folder,omitempty"`
	Attention   int    `json:"needs_attention"`
}

func runLibraryList(cmd *cobra.Command, args []string) error {
	ids, err := store.ListLibraries()
	if err != nil {
		return fmt.Errorf("list libraries: %w", err)
	}

	entries := make([]LibraryListEntry, 0, len(ids))
	for _, id := range ids {
		s, err := larder.NewStore(store.LibraryDBPath(id))
		if err != nil {
			continue
		}
		entry := LibraryListEntry{ID: id}
		if stats, err := s.Stats(); err == nil {
			entry.Recipes = stats.RecipeCount
			entry.Pending = stats.PendingOperations
			entry.Attention = stats.Conflicts + stats.Errors
		}
		if state, err := s.GetSyncState(); err == nil {
			entry.SyncEnabled = state.Configured()
			entry.SyncFolder = state.RemoteFolderName
		}
		_ = s.Close()
		entries = append(entries, entry)
	}

	if outputJSON {
		return outputAsJSON(cmd, entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		printWarning(out, "No libraries found.")
		printMuted(out, "Add a recipe to create one: larder recipe add --title <title>")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		folder := "-"
		if e.SyncEnabled {
			folder = e.SyncFolder
		}
		rows = append(rows, []string{e.ID, strconv.Itoa(e.Recipes), strconv.Itoa(e.Pending), folder, strconv.Itoa(e.Attention)})
	}
	printInfo(out, "Local libraries (%d):", len(entries))
	fmt.Fprintln(out, renderTable([]string{"LIBRARY", "RECIPES", "PENDING", "SYNC FOLDER", "ATTENTION"}, rows))
	return nil
}
