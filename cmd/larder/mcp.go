package main

import (
	"github.com/hyperengineering/larder"
	"github.com/hyperengineering/larder/internal/store"
	lardermcp "github.com/hyperengineering/larder/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio so agents can check
sync status and resolve conflicts.

The server keeps background sync running for the library it opens.

Configuration example:

  {
    "mcpServers": {
      "larder": {
        "command": "larder",
        "args": ["mcp"],
        "env": {
          "LARDER_LIBRARY": "family",
          "LARDER_REMOTE": "drive",
          "LARDER_DRIVE_CREDENTIALS": "/path/to/client_secret.json"
        }
      }
    }
  }`,
	RunE: runMCP,
}

var mcpNoAutoSync bool

func init() {
	mcpCmd.Flags().BoolVar(&mcpNoAutoSync, "no-auto-sync", false, "Only sync when a tool asks")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := openLibrary(ctx, cfg, !mcpNoAutoSync)
	if err != nil {
		return err
	}
	defer client.Close()

	server := lardermcp.NewServer(client, lardermcp.WithOpener(func(library string) (*larder.Client, error) {
		other := cfg
		other.Library = library
		other.LocalPath = store.LibraryDBPath(library)
		// Only the library the server was started for syncs in the background.
		return openLibrary(ctx, other, false)
	}))
	defer server.Close()

	return server.Run()
}
