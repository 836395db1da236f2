package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault/clientcli"
)

var (
	uploadRecursive   bool
	uploadContentType string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <local-path> [remote-path]",
	Short: "Upload files to the vault",
	Long: `Upload files to the vault. Every upload of an existing path creates a
new version; older versions stay readable through 'versions' until the
server's retention expires.

When remote-path is omitted it is derived from the local path.

Examples:
  filevault-cli upload ./file.txt docs/file.txt
  filevault-cli upload ./notes.md
  filevault-cli upload -r ./images/ media/images/
  filevault-cli upload --content-type application/json ./data config.json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().BoolVarP(&uploadRecursive, "recursive", "r", false, "upload directory recursively")
	uploadCmd.Flags().StringVar(&uploadContentType, "content-type", "", "override content-type")
}

func runUpload(cmd *cobra.Command, args []string) error {
	localPath := args[0]
	remotePath := clientcli.NormalizeLocalToRemotePath(localPath)
	if len(args) > 1 {
		remotePath = args[1]
	}

	client, err := getClient()
	if err != nil {
		return err
	}

	results, err := client.Upload(cmd.Context(), clientcli.UploadOptions{
		LocalPath:   localPath,
		RemotePath:  remotePath,
		ContentType: uploadContentType,
		Recursive:   uploadRecursive,
	})
	if err != nil {
		return handleError(os.Stderr, err)
	}

	if err := getFormatter().FormatUpload(os.Stdout, results); err != nil {
		return err
	}

	for i := range results {
		if results[i].Err != nil {
			return &exitError{code: 1, err: results[i].Err}
		}
	}
	return nil
}
