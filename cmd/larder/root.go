package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hyperengineering/larder"
	"github.com/hyperengineering/larder/internal/drive"
	"github.com/hyperengineering/larder/internal/folder"
	"github.com/spf13/cobra"
)

var (
	cfgLibrary    string
	cfgDBPath     string
	cfgConfigFile string
	cfgRemote     string
	cfgFolderPath string
	cfgLogLevel   string
	outputJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "larder",
	Short: "Larder - recipe library with remote sync",
	Long: `Larder keeps a local recipe library and mirrors it to a remote folder
(Google Drive or a plain directory), detecting edits made elsewhere and
letting you choose which side wins.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgLibrary, "library", "", "Library ID (default: LARDER_LIBRARY or 'default')")
	pf.StringVar(&cfgDBPath, "db", "", "Path to the library database (default: ~/.larder/libraries/<library>/larder.db)")
	pf.StringVar(&cfgConfigFile, "config", "", "Config file (default: ~/.larder/config.yaml)")
	pf.StringVar(&cfgRemote, "remote", "", "Remote backend: drive or folder")
	pf.StringVar(&cfgFolderPath, "folder-path", "", "Root directory for the folder remote")
	pf.StringVar(&cfgLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// loadConfig merges flags, then environment, then the config file.
func loadConfig() (larder.Config, error) {
	flags := larder.Config{
		Library:    cfgLibrary,
		LocalPath:  cfgDBPath,
		Remote:     cfgRemote,
		FolderPath: cfgFolderPath,
		LogLevel:   cfgLogLevel,
	}

	path := cfgConfigFile
	if path == "" {
		path = larder.DefaultConfigFile()
	}
	file, err := larder.LoadConfigFile(path)
	if err != nil {
		return larder.Config{}, err
	}

	cfg := flags.Merge(larder.ConfigFromEnv()).Merge(file).WithDefaults()
	if err := cfg.Validate(); err != nil {
		return larder.Config{}, err
	}
	return cfg, nil
}

// buildRemote constructs the configured remote, or nil when offline.
func buildRemote(ctx context.Context, cfg larder.Config) (larder.RemoteStore, error) {
	switch cfg.Remote {
	case larder.RemoteDrive:
		s, err := drive.NewFromFiles(ctx, cfg.DriveCredentialsPath, cfg.DriveTokenPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case larder.RemoteFolder:
		s, err := folder.NewOS(cfg.FolderPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, nil
}

// openClient opens the configured library. Short-lived commands run
// without the background runner and sync in the foreground.
func openClient(ctx context.Context, background bool) (*larder.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openLibrary(ctx, cfg, background)
}

func openLibrary(ctx context.Context, cfg larder.Config, background bool) (*larder.Client, error) {
	cfg.AutoSync = background

	remote, err := buildRemote(ctx, cfg)
	switch {
	case errors.Is(err, larder.ErrNotAuthenticated):
		// Local edits still work; they queue until the user signs in.
		printWarning(os.Stderr, "Google Drive is not authorized; run 'larder sync login'")
		remote = nil
	case err != nil:
		return nil, fmt.Errorf("remote: %w", err)
	}
	return larder.New(cfg, remote)
}
