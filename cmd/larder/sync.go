package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/larder"
	"github.com/hyperengineering/larder/internal/drive"
	"github.com/spf13/cobra"
)

// syncTimeout bounds a foreground sync pass.
const syncTimeout = 5 * time.Minute

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Configure and run remote sync",
	Long: `Mirror the library to a remote folder.

Example:
  larder sync login                 # authorize Google Drive
  larder sync enable                # sync into the "Larder" folder
  larder sync enable "Family Recipes"
  larder sync run
  larder sync status`,
}

var syncEnableCmd = &cobra.Command{
	Use:   "enable [folder-name]",
	Short: "Enable sync into a remote folder",
	Long: `Find or create the named top-level remote folder and start syncing into it.
Every local recipe not yet on the remote is queued for upload. Pointing sync
at a different folder forgets what was synced to the old one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSyncEnable,
}

var syncDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable sync; queued changes are kept",
	RunE:  runSyncDisable,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state",
	RunE:  runSyncStatus,
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync pass now",
	RunE:  runSyncRun,
}

var syncLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize Google Drive access",
	Long: `Print the Google consent URL, then exchange the code you paste back for
a token saved next to the library database (or at remote.token).`,
	RunE: runSyncLogin,
}

var syncLoginCode string

func init() {
	syncLoginCmd.Flags().StringVar(&syncLoginCode, "code", "", "Authorization code (skips the prompt)")

	syncCmd.AddCommand(syncEnableCmd, syncDisableCmd, syncStatusCmd, syncRunCmd, syncLoginCmd)
	rootCmd.AddCommand(syncCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runSyncEnable(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	folder, err := client.EnableSync(ctx, name)
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, folder)
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Sync enabled into %q", folder.Name)
	printMuted(out, "Run 'larder sync run' to upload now")
	return nil
}

func runSyncDisable(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DisableSync(ctx); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]bool{"enabled": false})
	}
	printSuccess(cmd.OutOrStdout(), "Sync disabled; queued changes are kept")
	return nil
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, st)
	}
	outputStatus(cmd.OutOrStdout(), st)
	return nil
}

func runSyncRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(commandContext(cmd), syncTimeout)
	defer cancel()

	client, err := openClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	var report *larder.PassReport
	start := time.Now()
	err = runWithSpinner(cmd.ErrOrStderr(), "Syncing", func() error {
		r, err := client.Sync(ctx)
		report = r
		return err
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, report)
	}
	outputPass(cmd.OutOrStdout(), report, time.Since(start))
	return nil
}

func runSyncLogin(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Remote != larder.RemoteDrive {
		return errors.New("sync login is only needed for --remote drive")
	}

	oauth, err := drive.LoadOAuthConfig(cfg.DriveCredentialsPath)
	if err != nil {
		return err
	}

	code := syncLoginCode
	if code == "" {
		out := cmd.OutOrStdout()
		printInfo(out, "Open this URL and grant access:")
		fmt.Fprintf(out, "\n  %s\n\n", drive.AuthCodeURL(oauth))
		fmt.Fprint(out, "Paste the authorization code: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read code: %w", err)
		}
		code = strings.TrimSpace(line)
	}
	if code == "" {
		return errors.New("no authorization code given")
	}

	if err := drive.Authorize(ctx, oauth, code, cfg.DriveTokenPath); err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Authorized; token saved to %s", cfg.DriveTokenPath)
	return nil
}
