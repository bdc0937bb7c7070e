package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chunkrelay/internal/reconstruct"
)

func newReconstructCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconstruct <downloader-or-manifest>",
		Short: "Download and reassemble a file from a delivered downloader",
		Long: `Runs a delivered downloader without Python. The argument is either the
.pyw program or its JSON manifest. Chunks are fetched in order and the
result is written to ~/Downloads, or the current directory when that does
not exist.`,
		Args: cobra.ExactArgs(1),
		RunE: runReconstruct,
	}
	cmd.Flags().StringP("out", "o", "", "Output directory (default ~/Downloads or the current directory)")
	return cmd
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	manifest, err := reconstruct.LoadManifest(args[0])
	if err != nil {
		return err
	}

	outDir, _ := cmd.Flags().GetString("out")
	if outDir == "" {
		if outDir, err = reconstruct.OutputDir(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	r := reconstruct.New(nil)
	r.Progress = func(current, total int) {
		_, _ = fmt.Fprintf(out, "Downloading chunk %d of %d...\n", current, total)
	}

	_, _ = fmt.Fprintln(out, "Starting download...")
	res, err := r.Run(cmd.Context(), manifest, outDir)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "File successfully saved to: %s (%s)\n", res.Path, humanize.Bytes(uint64(res.Bytes)))
	return nil
}
