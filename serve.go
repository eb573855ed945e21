package main

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"relaychat/config"
	"relaychat/discovery"
	"relaychat/network"
	"relaychat/storage"
)

type serveFlags struct {
	host      string
	chatPort  int
	filePort  int
	advertise bool
}

func newServeCommand(logs *logFlags) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay and file-transfer listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, logs, flags)
		},
	}
	cmd.Flags().StringVar(&flags.host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&flags.chatPort, "port", 0, "chat port (default from config)")
	cmd.Flags().IntVar(&flags.filePort, "file-port", 0, "file-transfer port (default from config)")
	cmd.Flags().BoolVar(&flags.advertise, "mdns", false, "advertise the server over mDNS")
	return cmd
}

func runServe(cmd *cobra.Command, logs *logFlags, flags *serveFlags) error {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.ListenHost = flags.host
	}
	if cmd.Flags().Changed("port") {
		cfg.ChatPort = flags.chatPort
	}
	if cmd.Flags().Changed("file-port") {
		cfg.FileTransferPort = flags.filePort
	}
	if cmd.Flags().Changed("mdns") {
		cfg.AdvertiseMDNS = flags.advertise
	}

	logger, err := newLogger(logs, "")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	store.SetSessionEventRetention(cfg.SessionEventRetention())

	registry := network.NewRegistry()
	chatServer, err := network.Listen(cfg.ChatAddress(), network.ServerOptions{
		BufferSize:     cfg.BufferSize,
		MaxConnections: cfg.MaxConnections,
		AcceptRate:     rate.Limit(cfg.AcceptRatePerSecond),
		AcceptBurst:    cfg.AcceptBurst,
		Registry:       registry,
		Store:          store,
		Logger:         logger.Named("chat"),
	})
	if err != nil {
		return fmt.Errorf("startup failed while starting chat listener: %w", err)
	}

	transferServer, err := network.ListenTransfer(cfg.FileTransferAddress(), registry, network.TransferOptions{
		FilesDir:       cfg.FilesDir,
		BufferSize:     cfg.BufferSize,
		MaxConnections: cfg.MaxConnections,
		AcceptRate:     rate.Limit(cfg.AcceptRatePerSecond),
		AcceptBurst:    cfg.AcceptBurst,
		Store:          store,
		Logger:         logger.Named("transfer"),
	})
	if err != nil {
		_ = chatServer.Close()
		return fmt.Errorf("startup failed while starting file-transfer listener: %w", err)
	}

	fmt.Printf("Server ID:       %s\n", cfg.ServerID)
	fmt.Printf("Server Name:     %s\n", cfg.ServerName)
	fmt.Printf("Chat Address:    %s\n", chatServer.Addr())
	fmt.Printf("File Address:    %s\n", transferServer.Addr())
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Files Directory: %s\n", cfg.FilesDir)

	if cfg.AdvertiseMDNS {
		advertiser, err := discovery.Advertise(discovery.Config{
			ServerID:         cfg.ServerID,
			ServerName:       cfg.ServerName,
			ChatPort:         portOf(chatServer.Addr()),
			FileTransferPort: portOf(transferServer.Addr()),
		})
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer advertiser.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logServerErrors(logger.Named("chat"), chatServer.Errors())
		return nil
	})
	group.Go(func() error {
		logServerErrors(logger.Named("transfer"), transferServer.Errors())
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		fmt.Println("Status:          shutting down")
		if err := transferServer.Close(); err != nil {
			logger.Warn("file-transfer listener close error", zap.Error(err))
		}
		if err := chatServer.Close(); err != nil {
			logger.Warn("chat listener close error", zap.Error(err))
		}
		return nil
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	return group.Wait()
}

func logServerErrors(logger *zap.Logger, errs <-chan error) {
	for err := range errs {
		logger.Warn("server error", zap.Error(err))
	}
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
