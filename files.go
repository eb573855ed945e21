package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"relaychat/config"
	"relaychat/storage"
)

func newFilesCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the server's file-transfer ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			files, err := store.ListFiles(limit)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("no transfers recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tFROM\tTO\tFILENAME\tSIZE\tSTATUS\tDOWNLOADS\tCHECKSUM")
			for _, file := range files {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%d\t%s\n",
					formatMillis(file.CreatedAt),
					file.FromUser,
					file.ToUser,
					file.Filename,
					file.BytesReceived,
					file.Filesize,
					file.TransferStatus,
					file.DownloadCount,
					shortChecksum(file.Checksum),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows to show")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		filter storage.SessionEventFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the session audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if since > 0 {
				from := time.Now().Add(-since).UnixMilli()
				filter.FromTimestamp = &from
			}
			events, err := store.GetSessionEvents(filter)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no events recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tUSER\tADDRESS\tDETAILS")
			for _, event := range events {
				user := "-"
				if event.Username != nil {
					user = *event.Username
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					formatMillis(event.Timestamp), event.EventType, user, event.RemoteAddr, event.Details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.EventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&filter.Username, "user", "", "only events for this username")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 100, "maximum rows to show")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	return cmd
}

func openStore() (*storage.Store, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	if sum == "" {
		return "-"
	}
	return sum
}
