package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/openrelayxyz/archivemanager"
	"github.com/openrelayxyz/archivemanager/backend/ftp"
)

var (
	verbose     bool
	showMetrics bool
	timeout     time.Duration
	s3Codec     string
)

var logger = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "archivemanager",
	Short: "Packs files into libraries, zip and cab files, directories, FTP servers and S3",
	Long: `archivemanager packs local files into containers and lists them back.
The container kind follows the destination: .pl and .lib paths are procedure
libraries, .zip and .cab paths are archives, ftp:// and ftps:// addresses are
remote directories, s3://bucket/prefix addresses are object stores, and any
other path is a plain directory.`,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Out = os.Stderr
		logger.Formatter = new(prefixed.TextFormatter)
		logger.Level = logrus.InfoLevel
		if verbose {
			logger.Level = logrus.DebugLevel
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print pack metrics when done")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", ftp.DefaultTimeout, "limit for each FTP connection attempt")
	rootCmd.PersistentFlags().StringVar(&s3Codec, "s3-compressor", "", "compressor signature for S3 objects, e.g. zstd:9")
}

// Execute runs the command named on the command line.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func newManager() *archivemanager.Manager {
	return archivemanager.New(archivemanager.Options{
		Logger:             logger,
		NegotiationTimeout: timeout,
		S3Compressor:       s3Codec,
	})
}

func closeManager(m *archivemanager.Manager) {
	if showMetrics {
		metrics.WriteOnce(m.Metrics(), os.Stderr)
	}
	if err := m.Close(); err != nil {
		logger.WithError(err).Warn("closing connections")
	}
}
