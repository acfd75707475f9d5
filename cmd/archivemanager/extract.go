package main

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openrelayxyz/archivemanager"
	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/internal/atomicfile"
)

var (
	pattern     string
	concurrency int
)

var extractCmd = &cobra.Command{
	Use:   "extract [flags] <ARCHIVE> <DESTINATION>",
	Args:  cobra.ExactArgs(2),
	Short: "Downloads the entries of an S3 container matching a pattern",
	RunE: func(cmd *cobra.Command, args []string) error {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		if concurrency < 1 {
			return errors.New("concurrency must be at least 1")
		}
		cmd.SilenceUsage = true
		m := newManager()
		defer closeManager(m)
		return extract(context.Background(), m, args[0], args[1], re, concurrency)
	},
}

func init() {
	extractCmd.Flags().StringVar(&pattern, "pattern", ".*", "only extract entries matching this expression")
	extractCmd.Flags().IntVar(&concurrency, "concurrency", 10, "number of entries fetched at once")
	rootCmd.AddCommand(extractCmd)
}

func extract(ctx context.Context, m *archivemanager.Manager, source, destination string, re *regexp.Regexp, workers int) error {
	entries, err := m.List(ctx, source)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entryCh := make(chan archive.ArchivedFile)
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range entryCh {
				if err := fetchTo(ctx, m, source, e.RelativePathInArchive, destination); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		}()
	}

	matched := 0
feed:
	for _, e := range entries {
		if !re.MatchString(e.RelativePathInArchive) {
			continue
		}
		select {
		case entryCh <- e:
			matched++
			if matched%100 == 0 {
				logger.Infof("queued %d entries", matched)
			}
		case <-ctx.Done():
			break feed
		}
	}
	close(entryCh)
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return err
	}
	logger.Infof("extracted %d of %d entries", matched, len(entries))
	return nil
}

func fetchTo(ctx context.Context, m *archivemanager.Manager, source, entry, destination string) error {
	out, err := atomicfile.New(filepath.Join(destination, filepath.FromSlash(archive.NormalizeKey(entry))), 0644)
	if err != nil {
		return err
	}
	defer out.Abort()
	if err := m.Fetch(ctx, source, entry, out); err != nil {
		return errors.Wrapf(err, "fetch %s", entry)
	}
	return out.Commit()
}
