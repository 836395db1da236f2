package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault/clientcli"
)

var (
	listPrefix string
	listLimit  int
	listAll    bool
	listCursor string
)

var listCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List files in the vault",
	Long: `List the current version of every file, ordered by creation time.

The prefix is matched literally and is case-sensitive.

Examples:
  filevault-cli list
  filevault-cli list images/
  filevault-cli list --prefix documents/ --limit 10
  filevault-cli list --all
  filevault-cli list --cursor "eyJjIjoi..."`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listPrefix, "prefix", "", "filter by path prefix")
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 100, "max results per page (max: 1000)")
	listCmd.Flags().BoolVar(&listAll, "all", false, "fetch all pages")
	listCmd.Flags().StringVar(&listCursor, "cursor", "", "pagination cursor")
}

func runList(cmd *cobra.Command, args []string) error {
	prefix := listPrefix
	if len(args) > 0 {
		prefix = args[0]
	}

	client, err := getClient()
	if err != nil {
		return err
	}

	result, err := client.List(cmd.Context(), clientcli.ListOptions{
		Prefix: prefix,
		Limit:  listLimit,
		Cursor: listCursor,
		All:    listAll,
	})
	if err != nil {
		return handleError(os.Stderr, err)
	}

	return getFormatter().FormatList(os.Stdout, result)
}
