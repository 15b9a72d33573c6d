package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovetools/collab/cli"
	"github.com/grovetools/collab/config"
	"github.com/grovetools/collab/internal/pidfile"
	"github.com/grovetools/collab/internal/relay"
	"github.com/grovetools/collab/pkg/paths"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// NewRelayCmd returns the relay command with its subcommands.
func NewRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development collaboration relay",
		Long: `Run a local relay that speaks the collaboration channel protocol.
Editors joined to the same workflow converge through it, see each other's
presence and can save snapshots.

Examples:
  collab relay start
  collab relay start --addr localhost:4100 --persist
  collab relay status`,
	}

	cmd.AddCommand(newRelayStartCmd())
	cmd.AddCommand(newRelayStopCmd())
	cmd.AddCommand(newRelayStatusCmd())

	return cmd
}

func newRelayStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cli.GetLogger(cmd, "relay", cfg)

			relayCfg := cfg.Relay
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				relayCfg.Addr = addr
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				relayCfg.DBPath = db
			} else if persist, _ := cmd.Flags().GetBool("persist"); persist && relayCfg.DBPath == "" {
				relayCfg.DBPath = paths.SnapshotDBPath()
			}
			pidPath, _ := cmd.Flags().GetString("pid-file")

			if err := pidfile.Acquire(pidPath); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := pidfile.Release(pidPath); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			srv, err := relay.New(relay.Options{Config: relayCfg, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfgPath != "" {
				watcher, err := config.NewWatcher(cfgPath, 500*time.Millisecond, logger, func(next *config.Config) {
					srv.Reload(next.Relay)
				})
				if err != nil {
					logger.WithError(err).Warn("Config changes will not be picked up")
				} else {
					go watcher.Start(ctx)
				}
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe(relayCfg.Addr)
			}()

			logger.WithField("pid", os.Getpid()).WithField("addr", relayCfg.Addr).Info("Starting relay")
			select {
			case err := <-errCh:
				_ = srv.Shutdown(context.Background())
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
				logger.Info("Received stop signal")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Server shutdown error: %v", err)
			}
			return <-errCh
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default from relay.addr)")
	cmd.Flags().String("db", "", "SQLite file for workflow snapshots")
	cmd.Flags().Bool("persist", false, "Keep snapshots in the state directory")
	cmd.Flags().String("pid-file", paths.PidFilePath(), "PID file guarding against a second relay")
	return cmd
}

func newRelayStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, _ := cmd.Flags().GetString("pid-file")
			out := cmd.OutOrStdout()

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Fprintln(out, "Relay is not running")
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			fmt.Fprintf(out, "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
	cmd.Flags().String("pid-file", paths.PidFilePath(), "PID file of the relay")
	return cmd
}

// relayStatus is printed by `relay status --json`.
type relayStatus struct {
	Running bool                 `json:"running"`
	PID     int                  `json:"pid,omitempty"`
	Config  *relay.RunningConfig `json:"config,omitempty"`
	Rooms   []relay.RoomInfo     `json:"rooms,omitempty"`
}

func newRelayStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check relay status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, _ := cmd.Flags().GetString("pid-file")
			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			status := relayStatus{Running: running, PID: pid}
			if running {
				cfg, _, err := cli.LoadConfig(cmd)
				if err != nil {
					return err
				}
				addr := cfg.Relay.Addr
				if flagAddr, _ := cmd.Flags().GetString("addr"); flagAddr != "" {
					addr = flagAddr
				}
				status.Config, status.Rooms = queryRelay(addr)
			}

			out := cmd.OutOrStdout()
			if cli.GetOptions(cmd).JSONOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
			} else {
				printRelayStatus(cmd, status)
			}

			if !running {
				// Non-zero for scripts.
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().String("pid-file", paths.PidFilePath(), "PID file of the relay")
	cmd.Flags().String("addr", "", "Relay address to query (default from relay.addr)")
	return cmd
}

// queryRelay reads the relay's HTTP API. Failures leave the fields nil.
func queryRelay(addr string) (*relay.RunningConfig, []relay.RoomInfo) {
	client := &http.Client{Timeout: 2 * time.Second}
	var running relay.RunningConfig
	if err := getJSON(client, "http://"+addr+"/api/config", &running); err != nil {
		return nil, nil
	}
	var rooms []relay.RoomInfo
	if err := getJSON(client, "http://"+addr+"/api/rooms", &rooms); err != nil {
		return &running, nil
	}
	return &running, rooms
}

func getJSON(client *http.Client, url string, target any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func printRelayStatus(cmd *cobra.Command, status relayStatus) {
	t := cli.DefaultTheme
	out := cmd.OutOrStdout()
	if !status.Running {
		fmt.Fprintln(out, t.Muted.Render("Stopped"))
		return
	}
	fmt.Fprintf(out, "%s (PID: %d)\n", t.Success.Render("Running"), status.PID)
	if status.Config == nil {
		fmt.Fprintln(out, t.Warning.Render("HTTP API not reachable"))
		return
	}
	c := status.Config
	fmt.Fprintf(out, "Version:   %s\n", c.Version)
	fmt.Fprintf(out, "Address:   %s\n", c.Addr)
	fmt.Fprintf(out, "Started:   %s\n", c.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Auth:      %t\n", c.AuthEnabled)
	fmt.Fprintf(out, "Persisted: %t\n", c.Persistent)
	if len(status.Rooms) == 0 {
		fmt.Fprintln(out, t.Muted.Render("No open rooms"))
		return
	}
	fmt.Fprintln(out, t.Section.Render("ROOMS"))
	for _, r := range status.Rooms {
		lock := "unsaved"
		if r.LockVersion != nil {
			lock = fmt.Sprintf("v%d", *r.LockVersion)
		}
		fmt.Fprintf(out, " %s  %d member(s)  %s\n", t.Command.Render(r.Topic), r.Members, t.Muted.Render(lock))
	}
}
