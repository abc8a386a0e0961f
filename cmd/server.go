package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/goosewin/servebatch/internal/config"
	"github.com/goosewin/servebatch/internal/server"
)

var (
	serverHost        string
	serverPort        int
	serverToken       string
	serverOpen        bool
	serverCheckpoints []string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP status and metrics server",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVarP(&serverHost, "host", "H", "", "Host/IP to bind to (default 127.0.0.1)")
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port number (default 8080)")
	serverCmd.Flags().StringVarP(&serverToken, "token", "t", "", "Authentication token")
	serverCmd.Flags().BoolVar(&serverOpen, "open", false, "Disable token requirement (use with caution)")
	serverCmd.Flags().StringSliceVar(&serverCheckpoints, "checkpoint", nil, "Checkpoint file to report on (repeatable)")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	host := config.GetString("server.host", "127.0.0.1")
	if flags.Changed("host") && strings.TrimSpace(serverHost) != "" {
		host = strings.TrimSpace(serverHost)
	}
	port := config.GetInt("server.port", 8080)
	if flags.Changed("port") {
		port = serverPort
	}
	token := config.GetString("server.token", "")
	if flags.Changed("token") {
		token = serverToken
	}
	checkpoints := checkpointPaths(nil)
	if flags.Changed("checkpoint") {
		checkpoints = serverCheckpoints
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	if !isLocalhost(host) && token == "" && !serverOpen {
		return errors.New("token required when binding to non-localhost address (use --token or --open)")
	}
	if !isLocalhost(host) && serverOpen && token == "" {
		fmt.Fprintln(os.Stderr, "Warning: server exposed without authentication (--open flag used)")
		fmt.Fprintln(os.Stderr, "Anyone with network access can read your checkpoints and outputs!")
	}

	printServerInfo(cmd.OutOrStdout(), host, port, token, checkpoints)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.StartServer(ctx, server.Options{
		Host:        host,
		Port:        port,
		Token:       token,
		Open:        serverOpen,
		Checkpoints: checkpoints,
	})
}

func printServerInfo(out io.Writer, host string, port int, token string, checkpoints []string) {
	fmt.Fprintf(out, "Starting servebatch status server on %s:%d...\n", host, port)
	fmt.Fprintln(out, "Endpoints:")
	fmt.Fprintln(out, "  GET  /              - Health check")
	fmt.Fprintln(out, "  GET  /status        - All checkpoints")
	fmt.Fprintln(out, "  GET  /status/:name  - One checkpoint with error row count")
	fmt.Fprintln(out, "  GET  /metrics       - Prometheus metrics")
	fmt.Fprintf(out, "Checkpoints: %s\n", strings.Join(checkpoints, ", "))
	if strings.TrimSpace(token) != "" {
		fmt.Fprintln(out, "Authentication: Bearer token required")
	} else {
		fmt.Fprintln(out, "Authentication: None (use --token to enable)")
	}
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Press Ctrl+C to stop")
	fmt.Fprintln(out, "")
}

func isLocalhost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}
