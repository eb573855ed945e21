package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaychat/config"
	"relaychat/discovery"
	"relaychat/network"
	"relaychat/ui"
)

type chatFlags struct {
	host           string
	chatPort       int
	filePort       int
	username       string
	downloadDir    string
	noAutoDownload bool
	listInterval   time.Duration
	discover       bool
	server         string
}

func newChatCommand(logs *logFlags) *cobra.Command {
	flags := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat [username]",
		Short: "Open an interactive chat console",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.username = args[0]
			}
			return runChat(cmd, logs, flags)
		},
	}
	cmd.Flags().StringVar(&flags.host, "host", "", "chat server host (env "+config.EnvHost+")")
	cmd.Flags().IntVarP(&flags.chatPort, "port", "p", 0, "chat server port (env "+config.EnvChatPort+")")
	cmd.Flags().IntVar(&flags.filePort, "file-port", 0, "file-transfer port (env "+config.EnvFileTransferPort+")")
	cmd.Flags().StringVarP(&flags.username, "username", "u", "", "username to claim on connect")
	cmd.Flags().StringVar(&flags.downloadDir, "download-dir", "", "where received files are saved")
	cmd.Flags().BoolVar(&flags.noAutoDownload, "no-auto-download", false, "do not fetch files announced by peers")
	cmd.Flags().DurationVar(&flags.listInterval, "list-interval", config.DefaultListInterval, "roster refresh interval, 0 disables")
	cmd.Flags().BoolVar(&flags.discover, "discover", false, "find the server over mDNS")
	cmd.Flags().StringVar(&flags.server, "server", "", "server name or ID to pick when discovering")
	return cmd
}

func runChat(cmd *cobra.Command, logs *logFlags, flags *chatFlags) error {
	cfg := config.DefaultClientConfig()
	if flags.host != "" {
		cfg.Host = flags.host
	}
	if flags.chatPort > 0 {
		cfg.ChatPort = flags.chatPort
	}
	if flags.filePort > 0 {
		cfg.FileTransferPort = flags.filePort
	}
	if flags.downloadDir != "" {
		cfg.DownloadDir = flags.downloadDir
	}
	cfg.Username = flags.username
	cfg.ListInterval = flags.listInterval

	// Log lines would interleave with the console, so keep them quiet by default.
	logger, err := newLogger(logs, "error")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.discover {
		server, err := pickServer(ctx, flags.server)
		if err != nil {
			return err
		}
		cfg.Host = server.Addresses[0]
		cfg.ChatPort = server.ChatPort
		cfg.FileTransferPort = server.FileTransferPort
		fmt.Printf("* found %s at %s\n", server.Name, server.ChatAddress())
	}

	console := ui.NewConsole(os.Stdin, os.Stdout, ui.ConsoleOptions{
		AutoDownload: !flags.noAutoDownload,
		Logger:       logger.Named("console"),
	})

	client, err := network.Dial(ctx, cfg.ChatAddress(), network.ClientOptions{
		Username:           cfg.Username,
		TransferAddress:    cfg.FileTransferAddress(),
		BufferSize:         cfg.BufferSize,
		DownloadDir:        cfg.DownloadDir,
		AutoDownload:       !flags.noAutoDownload,
		OnEvent:            console.HandleEvent,
		OnUploadComplete:   console.HandleUpload,
		OnDownloadComplete: console.HandleDownload,
		OnTransferProgress: console.HandleProgress,
		Logger:             logger.Named("client"),
	})
	if err != nil {
		return err
	}
	defer client.Close()
	console.Attach(client)

	fmt.Printf("* connected to %s, type /help for commands\n", cfg.ChatAddress())
	if cfg.Username == "" {
		fmt.Println("* pick a username with /name <username>")
	}
	client.StartListPolling(cfg.ListInterval)

	runErr := console.Run(ctx, client.Done())

	// Give the server a moment to act on CMD exit before the socket closes.
	select {
	case <-client.Done():
	case <-time.After(time.Second):
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	if runErr != nil {
		return runErr
	}
	return client.Err()
}

func pickServer(ctx context.Context, want string) (discovery.DiscoveredServer, error) {
	servers, err := discovery.Lookup(ctx, discovery.Config{})
	if err != nil {
		return discovery.DiscoveredServer{}, fmt.Errorf("discover servers: %w", err)
	}
	for _, server := range servers {
		if len(server.Addresses) == 0 {
			continue
		}
		if want == "" || server.Name == want || server.ServerID == want {
			return server, nil
		}
	}
	if want != "" {
		return discovery.DiscoveredServer{}, fmt.Errorf("no server named %q", want)
	}
	return discovery.DiscoveredServer{}, discovery.ErrNoServers
}

