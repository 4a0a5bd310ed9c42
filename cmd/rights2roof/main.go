// Command rights2roof runs the tenant-rights assistant as an HTTP API, an
// MCP server or a one-shot CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/OhziiiLov3/rights2roof/internal/config"
	"github.com/OhziiiLov3/rights2roof/internal/logging"
)

var version = "dev"

// globals are the persistent flags and what they load.
type globals struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func (g *globals) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	g.cfg, g.logger = cfg, logger
	return nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:               "rights2roof",
		Short:             "Tenant-rights assistant",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: g.load,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (YAML or JSON)")

	root.AddCommand(serveCmd(g), askCmd(g), indexCmd(g), mcpCmd(g), toolsCmd(g))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
