package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/config"
)

var removeCmd = &cobra.Command{
	Use:   "remove [flags] <path1> [path2] ...",
	Short: "Delete files from an owner's vault",
	Long: `Delete files of --owner. Deleted files disappear from reads and listings
immediately; their blobs are reclaimed in the background and by 'filevault gc'.

Examples:
  # Remove a single file
  filevault remove --owner alice myfile.txt

  # Remove several files
  filevault remove --owner alice file1.txt file2.txt

  # Remove every file under a folder
  filevault remove --owner alice --folder images`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

var (
	removeOwner  string
	removeFolder bool
	removeQuiet  bool
)

func init() {
	removeCmd.Flags().StringVar(&removeOwner, "owner", "", "owner whose files are removed")
	removeCmd.Flags().BoolVarP(&removeFolder, "folder", "f", false, "treat paths as folders and remove everything under them")
	removeCmd.Flags().BoolVarP(&removeQuiet, "quiet", "q", false, "suppress per-file output")
	_ = removeCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := exitOnSignal(cmd.Context())
	defer stop()

	v, err := openVault(ctx, cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	removed := 0
	notFound := 0

	for _, path := range args {
		if removeFolder {
			count, folderErr := v.engine.DeleteFolder(ctx, removeOwner, path)
			removed += count
			if folderErr != nil {
				return fmt.Errorf("remove folder %s: %w", path, folderErr)
			}
			if !removeQuiet {
				slog.Info("removed folder", "path", path, "files", count)
			}
			continue
		}

		deleteErr := v.engine.Delete(ctx, removeOwner, path)
		if errors.Is(deleteErr, filevault.ErrNotFound) {
			notFound++
			if !removeQuiet {
				slog.Warn("not found", "path", path)
			}
			continue
		}
		if deleteErr != nil {
			return fmt.Errorf("remove %s: %w", path, deleteErr)
		}
		removed++
		if !removeQuiet {
			slog.Info("removed", "path", path)
		}
	}

	slog.Info("remove complete", "owner", removeOwner, "removed", removed, "not_found", notFound)
	return nil
}
