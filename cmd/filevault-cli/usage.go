package main

import (
	"os"

	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show storage used by the authenticated owner",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, _ []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	usage, err := client.Usage(cmd.Context())
	if err != nil {
		return handleError(os.Stderr, err)
	}

	return getFormatter().FormatUsage(os.Stdout, usage)
}
