package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <ARCHIVE>",
	Args:  cobra.ExactArgs(1),
	Short: "Lists the entries of a container",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		m := newManager()
		defer closeManager(m)
		entries, err := m.List(context.Background(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		var total uint64
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", humanize.IBytes(e.SizeInBytes), e.LastWriteTime.Format("2006-01-02 15:04:05"), e.RelativePathInArchive)
			total += e.SizeInBytes
		}
		fmt.Fprintf(w, "%s\t\t%s entries\n", humanize.IBytes(total), humanize.Comma(int64(len(entries))))
		return w.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <ARCHIVE> <ENTRY>...",
	Args:  cobra.MinimumNArgs(2),
	Short: "Removes entries from a library, zip file, directory or S3 prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		m := newManager()
		defer closeManager(m)
		return m.Delete(context.Background(), args[0], args[1:])
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
}
