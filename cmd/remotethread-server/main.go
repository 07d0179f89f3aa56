// Command remotethread-server runs the accept loop described in
// spec.md §4.5: it receives a Hello, writes the shipped binary to a temp
// path, and execs it in slave mode with the connection's socket inherited.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/janneku/remotethread/rtproto"
	"github.com/janneku/remotethread/rtserver"
)

var (
	listenAddr    string
	maxConcurrent int64

	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func main() {
	root := &cobra.Command{
		Use:   "remotethread-server",
		Short: "Accept remotethread connections and exec slave replicas",
		RunE:  run,
	}
	root.Flags().StringVar(&listenAddr, "listen", fmt.Sprintf(":%d", rtproto.DefaultPort), "address to listen on")
	root.Flags().Int64Var(&maxConcurrent, "max-concurrent", 16, "maximum concurrently spawned slave children")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("remotethread-server listening on %s (max %d concurrent slaves)\n", ln.Addr(), maxConcurrent)

	srv := rtserver.New(ln, maxConcurrent)
	return srv.Serve(ctx)
}
