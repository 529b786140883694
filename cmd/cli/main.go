package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agrimatch/backend/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agrimatch",
		Short: "AgriMatch - contract farming marketplace CLI",
		Long: `AgriMatch CLI talks to a running AgriMatch server.

Set AGRIMATCH_URL (default http://localhost:8080) and AGRIMATCH_TOKEN
to point it at your server. Use 'agrimatch token' to mint a development
token when running against a local server.`,
	}

	rootCmd.AddCommand(cli.TokenCmd())
	rootCmd.AddCommand(cli.ProfileCmd())
	rootCmd.AddCommand(cli.DirectoryCmd())
	rootCmd.AddCommand(cli.RequestCmd())
	rootCmd.AddCommand(cli.InterestCmd())
	rootCmd.AddCommand(cli.ContractCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
