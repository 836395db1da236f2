package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault/clientcli"
)

var deleteFolder bool

var deleteCmd = &cobra.Command{
	Use:   "delete <remote-path> [remote-path...]",
	Short: "Delete files from the vault",
	Long: `Delete one or more files, or with --folder everything under one or
more folders.

Examples:
  filevault-cli delete docs/file.txt
  filevault-cli delete old/a.txt old/b.txt old/c.txt
  filevault-cli delete --folder old/
  filevault-cli delete -q temp/file.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteFolder, "folder", "f", false, "treat paths as folders")
}

func runDelete(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	results, err := client.Delete(cmd.Context(), clientcli.DeleteOptions{
		Paths:  args,
		Folder: deleteFolder,
	})
	if err != nil {
		return handleError(os.Stderr, err)
	}

	if err := getFormatter().FormatDelete(os.Stdout, results); err != nil {
		return err
	}

	if clientcli.HasDeleteErrors(results) {
		return &exitError{code: 1}
	}
	return nil
}
