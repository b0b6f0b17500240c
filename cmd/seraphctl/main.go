// Command seraphctl is a thin operator CLI dialing the running agent's
// local Unix socket and HTTP status endpoint. Grounded on pkg/cli/root.go's
// cobra root command shape, reduced to the two read-only subcommands the
// agent's side channel supports.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	socketPath string
	statusURL  string
)

var rootCmd = &cobra.Command{
	Use:   "seraphctl",
	Short: "seraphctl talks to a running seraph agent",
	Long:  `seraphctl is a CLI for inspecting a running Seraph agent's status and recent logs.`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the agent's /status health snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(statusURL)
		if err != nil {
			return fmt.Errorf("request status: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read status response: %w", err)
		}

		var pretty map[string]any
		if err := json.Unmarshal(body, &pretty); err != nil {
			fmt.Println(string(body))
			return nil
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var getLogsCmd = &cobra.Command{
	Use:   "get-logs",
	Short: "fetch the agent's recent-logs ring via its local socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
		if err != nil {
			return fmt.Errorf("dial %s: %w", socketPath, err)
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("get_logs\n")); err != nil {
			return fmt.Errorf("send command: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		reply, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read reply: %w", err)
		}

		fmt.Println(reply)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", ".seraph.sock", "path to the agent's local Unix domain socket")
	rootCmd.PersistentFlags().StringVar(&statusURL, "status-url", "http://localhost:8090/status", "the agent's /status endpoint")
	rootCmd.AddCommand(statusCmd, getLogsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
