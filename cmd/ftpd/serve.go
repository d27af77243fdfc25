package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lucarufer/ftpd/ftp"
	"github.com/lucarufer/ftpd/pkg/config"
)

var (
	serveAddr           string
	serveRoot           string
	serveMaxConnections int
	serveRecvBufSize    int
	serveDTPBufSize     int
	serveQueueTimeout   time.Duration
	serveListingStyle   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FTP server",
	Long: `Starts the FTP server, listening for control connections and
serving files rooted at --root.

Example:
  ftpd serve --addr :2121 --root /srv/ftp`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":21", "Address to listen on")
	serveCmd.Flags().StringVar(&serveRoot, "root", ".", "Directory to serve")
	serveCmd.Flags().IntVar(&serveMaxConnections, "max-connections", 4, "Maximum concurrent control connections")
	serveCmd.Flags().IntVar(&serveRecvBufSize, "recv-buf-size", 512, "Control channel receive buffer size")
	serveCmd.Flags().IntVar(&serveDTPBufSize, "dtp-buf-size", 600, "Data channel transfer buffer size")
	serveCmd.Flags().DurationVar(&serveQueueTimeout, "queue-timeout", 50*time.Millisecond, "PI/DTP queue round-trip timeout")
	serveCmd.Flags().StringVar(&serveListingStyle, "listing-style", "unix", "Directory listing style: unix or fat")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	cfg := config.DefaultConfig()
	cfg.LogLevel = logger.GetLevel()
	cfg.ListenAddr = serveAddr
	cfg.Root = serveRoot
	cfg.MaxConnections = serveMaxConnections
	cfg.RecvBufSize = serveRecvBufSize
	cfg.DTPBufSize = serveDTPBufSize
	cfg.QueueTimeout = serveQueueTimeout
	cfg.ListingStyle = serveListingStyle

	fs, err := ftp.NewOSFileSystem(cfg.Root)
	if err != nil {
		return fmt.Errorf("open root %s: %w", cfg.Root, err)
	}

	var formatter ftp.ListingFormatter
	switch cfg.ListingStyle {
	case "fat":
		formatter = ftp.FATListingFormatter
	case "unix", "":
		formatter = ftp.UnixListingFormatter
	default:
		return fmt.Errorf("unknown listing style %q (must be unix or fat)", cfg.ListingStyle)
	}

	listener := ftp.NewListener(ftp.ListenerOptions{
		Addr:           cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		FS:             fs,
		Credentials:    ftp.DefaultCredentialChecker,
		Format:         formatter,
		Log:            logger,
		RecvBufSize:    cfg.RecvBufSize,
		DTPBufSize:     cfg.DTPBufSize,
		EventHistory:   cfg.EventHistory,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	banner := color.New(color.FgGreen, color.Bold).Sprintf("ftpd listening on %s, root %s", cfg.ListenAddr, cfg.Root)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(banner)
	} else {
		logger.Info(banner)
	}

	return listener.Serve(ctx)
}
