package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/taver33/lanBackup/internal/config"
	"github.com/taver33/lanBackup/pkg/discovery"
	"github.com/taver33/lanBackup/pkg/protocol"
	"github.com/taver33/lanBackup/pkg/server"
	"github.com/taver33/lanBackup/pkg/ui"
)

func main() {
	cfg := config.DefaultConfig()
	var headless bool

	cmd := &cobra.Command{
		Use:   "lanbackup",
		Short: "Receive backup archives from devices on the local network",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backup receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfg, headless)
		},
	}

	serveCmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on (0 picks one)")
	serveCmd.Flags().StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Directory for completed backups")
	serveCmd.Flags().StringVar(&cfg.DeviceName, "name", cfg.DeviceName, "Device name advertised on the network")
	serveCmd.Flags().BoolVar(&headless, "no-ui", false, "Run without the terminal UI")

	cmd.AddCommand(serveCmd)

	if err := fang.Execute(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}

func serve(cfg *config.Config, headless bool) error {
	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	announcer := &discovery.MDNSAnnouncer{}
	go func() {
		info := discovery.ServiceInfo{
			Name:    cfg.DeviceName,
			Type:    discovery.DefaultServiceType,
			Domain:  discovery.DefaultDomain,
			Port:    srv.Port(),
			Version: protocol.Version,
			Device:  cfg.DeviceName,
		}
		if err := announcer.Announce(ctx, info); err != nil {
			slog.Warn("Service advertisement failed", "error", err)
		}
	}()

	if headless {
		return serveHeadless(srv)
	}

	p := tea.NewProgram(ui.NewModel(srv))
	if _, err := p.Run(); err != nil {
		srv.Stop()
		return fmt.Errorf("terminal UI failed: %w", err)
	}
	return nil
}

// serveHeadless logs state transitions instead of drawing them, and stops
// on SIGINT/SIGTERM.
func serveHeadless(srv *server.Server) error {
	unsubscribe := srv.Subscribe(func(st server.State) {
		attrs := []any{"status", st.Status.String(), "port", st.Port}
		if st.Client != nil {
			attrs = append(attrs, "device", st.Client.DeviceName)
		}
		if st.Transfer != nil {
			attrs = append(attrs, "file", st.Transfer.FileName,
				"chunks", fmt.Sprintf("%d/%d", st.Transfer.ReceivedChunks, st.Transfer.TotalChunks))
		}
		if st.LastError != nil {
			attrs = append(attrs, "lastError", st.LastError.Message)
		}
		if st.CompletedFilePath != "" {
			attrs = append(attrs, "completed", st.CompletedFilePath)
		}
		slog.Info("State changed", attrs...)
	})
	defer unsubscribe()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	srv.Stop()
	return nil
}
