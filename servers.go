package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"relaychat/discovery"
)

func newServersCommand() *cobra.Command {
	var (
		watch   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Find relay servers on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := discovery.Config{ScanTimeout: timeout}
			if !watch {
				servers, err := discovery.Lookup(ctx, cfg)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tCHAT\tFILES\tADDRESSES\tID")
				for _, server := range servers {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
						server.Name, server.ChatPort, server.FileTransferPort,
						strings.Join(server.Addresses, ","), server.ServerID)
				}
				return w.Flush()
			}

			fmt.Println("watching for relay servers (press Ctrl+C to stop)")
			return discovery.Watch(ctx, cfg, logDiscoveryEvent)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep scanning and print changes")
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "length of one scan window")
	return cmd
}

func logDiscoveryEvent(event discovery.Event) {
	switch event.Type {
	case discovery.EventServerUpserted:
		fmt.Printf("+ %s chat=%s files=%s\n", event.Server.Name, event.Server.ChatAddress(), event.Server.FileTransferAddress())
	case discovery.EventServerRemoved:
		fmt.Printf("- %s\n", event.Server.Name)
	}
}
