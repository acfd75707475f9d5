package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openrelayxyz/archivemanager/archive"
)

var (
	levelName    string
	manifestPath string
)

// reporter prints one line per progress event and counts failures.
type reporter struct {
	out      io.Writer
	failures int
}

func (r *reporter) report(ev archive.ProgressEvent) {
	switch {
	case ev.Err == nil:
		fmt.Fprintf(r.out, "ok    %s %s\n", ev.ArchivePath, ev.RelativePathInArchive)
	case ev.GroupLevel():
		r.failures++
		fmt.Fprintf(r.out, "FAIL  %s: %v\n", ev.ArchivePath, ev.Err)
	default:
		r.failures++
		fmt.Fprintf(r.out, "FAIL  %s %s: %v\n", ev.ArchivePath, ev.RelativePathInArchive, ev.Err)
	}
}

func (r *reporter) err() error {
	if r.failures > 0 {
		return errors.Errorf("%d failures", r.failures)
	}
	return nil
}

func level(cmd *cobra.Command, fromBatch string) (archive.CompressionLevel, error) {
	if fromBatch != "" && !cmd.Flags().Changed("level") {
		return archive.ParseCompressionLevel(fromBatch)
	}
	return archive.ParseCompressionLevel(levelName)
}

var packCmd = &cobra.Command{
	Use:                   "pack [flags] (<ARCHIVE> <FILE>... | -f BATCH.yaml)",
	DisableFlagsInUseLine: true,
	Short:                 "Packs files into their containers, replacing entries with the same name",
	RunE: func(cmd *cobra.Command, args []string) error {
		var files []archive.FileToArchive
		var batchLevel string
		switch {
		case manifestPath != "":
			b, err := loadBatch(manifestPath)
			if err != nil {
				return err
			}
			files, batchLevel = b.Files, b.Level
			for _, d := range b.Deploy {
				files = append(files, d.ToArchive())
			}
		case len(args) >= 2:
			files = positional(args)
		default:
			return errors.New("need an archive and at least one file, or a batch manifest")
		}
		lvl, err := level(cmd, batchLevel)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		m := newManager()
		defer closeManager(m)
		r := &reporter{out: os.Stdout}
		if err := m.Pack(context.Background(), files, lvl, r.report); err != nil {
			return err
		}
		return r.err()
	},
}

var deployCmd = &cobra.Command{
	Use:                   "deploy [flags] -f BATCH.yaml",
	DisableFlagsInUseLine: true,
	Short:                 "Builds packages from the deploy section of a batch manifest",
	Args:                  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if manifestPath == "" {
			return errors.New("deploy needs a batch manifest")
		}
		b, err := loadBatch(manifestPath)
		if err != nil {
			return err
		}
		lvl, err := level(cmd, b.Level)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		m := newManager()
		defer closeManager(m)
		r := &reporter{out: os.Stdout}
		if err := m.Deploy(context.Background(), b.Deploy, lvl, r.report); err != nil {
			return err
		}
		return r.err()
	},
}

func init() {
	for _, c := range []*cobra.Command{packCmd, deployCmd} {
		c.Flags().StringVarP(&levelName, "level", "l", archive.CompressionNormal.String(), "compression: none, fastest, normal or best")
		c.Flags().StringVarP(&manifestPath, "file", "f", "", "YAML batch manifest")
		rootCmd.AddCommand(c)
	}
}
