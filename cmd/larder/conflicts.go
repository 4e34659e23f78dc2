package main

import (
	"fmt"

	"github.com/hyperengineering/larder"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve recipes that need attention",
	Long: `A recipe is in CONFLICT when its remote copy changed outside this library,
and in ERROR when its sync gave up after repeated failures.

References (C1, C2, ...) follow recipe ID order, so they stay stable
between 'list' and 'resolve' while the set of conflicts does not change.

Example:
  larder conflicts list
  larder conflicts resolve C1 --keep remote
  larder conflicts resolve Tacos --keep local
  larder conflicts retry C2`,
	RunE: runConflictsList,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipes in conflict or error",
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <ref>",
	Short: "Keep the local or the remote version",
	Long: `Resolve a conflict.

  --keep local   overwrite the remote copy with the local recipe
  --keep remote  replace the local recipe with the remote copy, or delete
                 it locally if the remote copy is gone

<ref> is a conflict reference, a recipe ID or part of a recipe title.`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

var conflictsRetryCmd = &cobra.Command{
	Use:   "retry <ref>",
	Short: "Requeue a recipe whose sync gave up",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsRetry,
}

var conflictsKeep string

func init() {
	conflictsResolveCmd.Flags().StringVar(&conflictsKeep, "keep", "", "Side to keep: local or remote (required)")
	_ = conflictsResolveCmd.MarkFlagRequired("keep")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsRetryCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	conflicts, err := client.Conflicts(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, conflicts)
	}
	outputConflicts(cmd.OutOrStdout(), conflicts)
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	choice, err := larder.ParseChoice(conflictsKeep)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	// Number the conflicts the same way 'conflicts list' did.
	if _, err := client.Conflicts(ctx); err != nil {
		return err
	}
	res, err := client.Resolve(ctx, args[0], choice)
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	switch {
	case res.Choice == larder.KeepLocal:
		printSuccess(out, "Kept local %s; upload queued", res.RecipeID)
	case res.LocalDeleted:
		printSuccess(out, "Kept remote %s; it was deleted remotely, so the local recipe was removed", res.RecipeID)
	default:
		printSuccess(out, "Kept remote %s", res.RecipeID)
	}
	if res.OperationID != "" {
		printMuted(out, "Run 'larder sync run' to push it now")
	}
	return nil
}

func runConflictsRetry(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Conflicts(ctx); err != nil {
		return err
	}
	res, err := client.Retry(ctx, args[0])
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	if !res.Queued {
		printWarning(out, "Nothing queued: %s", res.Reason)
		return nil
	}
	printSuccess(out, "Requeued as operation %s", res.OperationID)
	fmt.Fprintln(out)
	printMuted(out, "Run 'larder sync run' to try it now")
	return nil
}
