package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/tether/internal/gateway"
	"github.com/inercia/tether/internal/logstore"
	"github.com/inercia/tether/internal/relay"
	"github.com/inercia/tether/internal/supervisor"
)

var (
	serveBind  string
	serveToken string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge: agent supervisor plus WebSocket gateway",
	Long: `Start the bridge server. It spawns the configured coding agent on
demand, records every session to an append-only log, and serves the
canonical event stream to WebSocket clients.

Example:
  tether serve                        # Listen on the configured address
  tether serve --bind 0.0.0.0:8787    # Expose on all interfaces
  tether serve --token s3cret         # Require a shared token from clients`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveBind, "bind", "", "Listen address (overrides gateway.bind)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Shared client token (overrides gateway.token)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("bind") {
		cfg.Gateway.Bind = serveBind
	}
	if cmd.Flags().Changed("token") {
		cfg.Gateway.Token = serveToken
	}

	store, err := logstore.NewStore(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	sup := supervisor.New(cfg.Agent)
	manager := relay.NewManager(store, sup, relay.Options{
		ClientQueueSize: cfg.Gateway.ClientQueueSize,
	})
	srv := gateway.NewServer(cfg.Gateway, manager)

	fmt.Printf("Starting tether bridge\n")
	fmt.Printf("   Agent: %s\n", cfg.Agent.Bin)
	fmt.Printf("   Sessions: %s\n", store.BaseDir())
	fmt.Printf("   Listening: ws://%s/ws\n", cfg.Gateway.Bind)
	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		manager.CloseAll("shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	return srv.Start()
}
