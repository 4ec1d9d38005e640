// Package commands defines the idpctl command tree.
package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	apiclient "github.com/singh-krishan/idp/pkg/api/client"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersionInfo sets the version information from main.
func SetVersionInfo(v, c string) {
	version = v
	commit = c
}

type globalFlags struct {
	api    string
	output string
}

// Root returns the root command for the idpctl CLI.
func Root() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "idpctl",
		Short:         "Create and manage provisioned projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.api, "api", "", "API base URL (default from IDP_API_URL or the saved config)")
	cmd.PersistentFlags().StringVarP(&flags.output, "output", "o", outputAuto, "Output format: auto, table or json")

	cmd.AddCommand(Templates(flags))
	cmd.AddCommand(Create(flags))
	cmd.AddCommand(CreateOpenAPI(flags))
	cmd.AddCommand(Get(flags))
	cmd.AddCommand(List(flags))
	cmd.AddCommand(Delete(flags))
	cmd.AddCommand(Watch(flags))
	cmd.AddCommand(Stats(flags))
	cmd.AddCommand(Config())
	cmd.AddCommand(Version())
	return cmd
}

// client resolves the API URL from the flag, the environment and the saved
// config, in that order.
func (g *globalFlags) client() (*apiclient.Client, error) {
	base := strings.TrimSpace(g.api)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("IDP_API_URL"))
	}
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		base = cfg.APIBaseURL
	}
	return apiclient.New(base)
}

// Version returns the version command.
func Version() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "idpctl %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		},
	}
}
