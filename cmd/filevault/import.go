package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/config"
)

var importCmd = &cobra.Command{
	Use:   "import [flags] <file1> [file2] ...",
	Short: "Import local files into an owner's vault",
	Long: `Import files from local paths into the vault of --owner.

Each file is written through the engine, so it becomes a new version on the
active backend exactly as an HTTP upload would. Files are identified by
their destination path.

Examples:
  # Import a single file
  filevault import --owner alice /path/to/file.txt

  # Import under a destination folder
  filevault import --owner alice --dest images/ /path/to/photo.jpg

  # Import a directory recursively
  filevault import --owner alice -r /path/to/assets

  # Skip files that already exist
  filevault import --owner alice --no-clobber /path/to/file.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

var (
	importOwner     string
	importDest      string
	importRecursive bool
	importNoClobber bool
	importQuiet     bool
)

func init() {
	importCmd.Flags().StringVar(&importOwner, "owner", "", "owner the files are imported for")
	importCmd.Flags().StringVarP(&importDest, "dest", "d", "", "destination folder in the vault")
	importCmd.Flags().BoolVarP(&importRecursive, "recursive", "r", false, "recursively import directories")
	importCmd.Flags().BoolVarP(&importNoClobber, "no-clobber", "n", false, "skip existing files instead of adding a version")
	importCmd.Flags().BoolVarP(&importQuiet, "quiet", "q", false, "suppress per-file output")
	_ = importCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(importCmd)
}

// fileEntry is a file to import with its source and destination paths.
type fileEntry struct {
	sourcePath string
	destPath   string
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}
	if !filevault.IsValidOwner(importOwner) {
		return fmt.Errorf("invalid owner: %q", importOwner)
	}

	var files []fileEntry
	for _, arg := range args {
		entries, collectErr := collectFiles(arg, importRecursive, importDest)
		if collectErr != nil {
			return fmt.Errorf("collect files from %s: %w", arg, collectErr)
		}
		files = append(files, entries...)
	}

	if len(files) == 0 {
		slog.Info("no files to import")
		return nil
	}

	ctx, stop := exitOnSignal(cmd.Context())
	defer stop()

	v, err := openVault(ctx, cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	imported := 0
	skipped := 0

	for _, entry := range files {
		if !filevault.IsValidPath(entry.destPath) {
			return fmt.Errorf("import %s: invalid destination path %q", entry.sourcePath, entry.destPath)
		}

		if importNoClobber {
			_, statErr := v.engine.Stat(ctx, importOwner, entry.destPath)
			if statErr == nil {
				skipped++
				if !importQuiet {
					slog.Info("skipped (exists)", "path", entry.destPath)
				}
				continue
			}
			if !errors.Is(statErr, filevault.ErrNotFound) {
				return fmt.Errorf("stat %s: %w", entry.destPath, statErr)
			}
		}

		f, openErr := os.Open(entry.sourcePath)
		if openErr != nil {
			return fmt.Errorf("open %s: %w", entry.sourcePath, openErr)
		}

		contentType := detectContentType(entry.sourcePath)
		rec, writeErr := v.engine.Write(ctx, importOwner, filevault.WriteObject{
			Path:        entry.destPath,
			ContentType: contentType,
		}, f)
		_ = f.Close()

		if writeErr != nil {
			return fmt.Errorf("import %s: %w", entry.destPath, writeErr)
		}

		imported++
		if !importQuiet {
			slog.Info("imported", "path", rec.Path, "version", rec.Version, "size", rec.SizeBytes, "content_type", contentType)
		}
	}

	slog.Info("import complete", "owner", importOwner, "imported", imported, "skipped", skipped)
	return nil
}

// collectFiles gathers files from a path, optionally recursively.
func collectFiles(path string, recursive bool, destPrefix string) ([]fileEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	destPrefix = strings.TrimPrefix(destPrefix, "/")
	if destPrefix != "" && !strings.HasSuffix(destPrefix, "/") {
		destPrefix += "/"
	}

	if !info.IsDir() {
		return []fileEntry{{sourcePath: path, destPath: destPrefix + filepath.Base(path)}}, nil
	}

	if !recursive {
		return nil, fmt.Errorf("%s is a directory (use -r to import recursively)", path)
	}

	var entries []fileEntry
	walkErr := filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		relPath, relErr := filepath.Rel(path, walkPath)
		if relErr != nil {
			return relErr
		}

		entries = append(entries, fileEntry{
			sourcePath: walkPath,
			destPath:   destPrefix + filepath.ToSlash(relPath),
		})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	return entries, nil
}

// detectContentType determines the MIME type from a file's extension.
func detectContentType(path string) string {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
