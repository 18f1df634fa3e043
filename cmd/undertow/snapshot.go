package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/undertow/internal/config"
	"github.com/hyperengineering/undertow/internal/snapshot"
	"github.com/hyperengineering/undertow/internal/storage"
)

var (
	snapshotOutDir     string
	snapshotJSONOutput bool
	snapshotUpload     bool
	snapshotPrintURL   bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Generate a database snapshot without running the server",
	Long:  "Produce a consistent point-in-time copy of the sync database, optionally uploading it to the configured S3 bucket.",
	RunE:  runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotOutDir, "out", "",
		"Output directory (defaults next to the database file)")
	snapshotCmd.Flags().BoolVar(&snapshotJSONOutput, "json", false,
		"Output in JSON format")
	snapshotCmd.Flags().BoolVar(&snapshotUpload, "upload", false,
		"Upload the snapshot using the configured S3 settings")
	snapshotCmd.Flags().BoolVar(&snapshotPrintURL, "url", false,
		"Print a pre-signed download URL for the uploaded snapshot")
}

type snapshotResult struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	dir := snapshotOutDir
	if dir == "" {
		dir = snapshotDir(cfg.Database.Path)
	}

	path, err := snapshot.NewGenerator(db, dir).Generate(cmd.Context())
	if err != nil {
		return err
	}

	var downloadURL string
	if snapshotUpload || snapshotPrintURL {
		if !cfg.Snapshot.Enabled() {
			return fmt.Errorf("snapshot storage is not configured")
		}
		uploader, err := snapshot.NewUploader(cfg.Snapshot)
		if err != nil {
			return err
		}
		if snapshotUpload {
			if err := uploader.Upload(cmd.Context(), path); err != nil {
				return err
			}
		}
		if snapshotPrintURL {
			downloadURL, _, err = uploader.PresignedURL(cmd.Context())
			if err != nil {
				return err
			}
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return printSnapshotResult(cmd.OutOrStdout(), snapshotResult{Path: path, Size: info.Size(), URL: downloadURL})
}

func printSnapshotResult(w io.Writer, res snapshotResult) error {
	if snapshotJSONOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if _, err := fmt.Fprintf(w, "snapshot written to %s (%d bytes)\n", res.Path, res.Size); err != nil {
		return err
	}
	if res.URL != "" {
		if _, err := fmt.Fprintf(w, "download: %s\n", res.URL); err != nil {
			return err
		}
	}
	return nil
}
