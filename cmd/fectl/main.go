// Command fectl is the cobra-based CLI front-end: it loads a Config,
// constructs one CommandCenter, and fronts it with run/status/reload/
// stop subcommands. Only `run` actually owns a CommandCenter process;
// the others are thin operator conveniences that signal an
// already-running supervisor by pid, the way `nginx -s reload` fronts
// a long-lived master process instead of talking to it over a private
// protocol.
package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/InnuIO/fectl/internal/center"
	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/configwatch"
)

var (
	configPath string
	pidFile    string
	graceful   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fectl",
		Short: "fectl supervises a set of restart-on-crash worker processes",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "fectl.json", "path to the JSON service config")
	root.PersistentFlags().StringVar(&pidFile, "pidfile", "/var/run/fectl.pid", "pidfile written by run, read by status/reload/stop")

	root.AddCommand(runCmd(), statusCmd(), reloadCmd(), stopCmd())
	return root
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Caller().Logger()
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load the config and supervise its services in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if err := writePIDFile(pidFile); err != nil {
				log.Warn().Err(err).Str("pidfile", pidFile).Msg("could not write pidfile; status/reload/stop won't find this run")
			} else {
				defer os.Remove(pidFile)
			}

			_, h := center.New(cfg, log)

			watcher, err := configwatch.Watch(configPath, h, log)
			if err != nil {
				log.Warn().Err(err).Msg("config file watcher disabled")
			} else {
				defer watcher.Close()
			}

			log.Info().Str("config", configPath).Msg("fectl running, press Ctrl+C to stop")
			<-h.Done()
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the supervisor named by --pidfile is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPIDFile(pidFile)
			if err != nil {
				return err
			}
			if err := syscall.Kill(pid, 0); err != nil {
				fmt.Printf("fectl (pid %d): not running (%v)\n", pid, err)
				return nil
			}
			fmt.Printf("fectl (pid %d): running\n", pid)
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Send SIGHUP to the running supervisor, reloading every service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalPID(pidFile, syscall.SIGHUP)
		},
	}
}

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			sig := syscall.SIGTERM
			if !graceful {
				sig = syscall.SIGINT
			}
			return signalPID(pidFile, sig)
		},
	}
	cmd.Flags().BoolVar(&graceful, "graceful", true, "send SIGTERM (graceful) instead of SIGINT (immediate)")
	return cmd
}

func signalPID(path string, sig syscall.Signal) error {
	pid, err := readPIDFile(path)
	if err != nil {
		return err
	}
	return syscall.Kill(pid, sig)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("fectl: reading pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("fectl: pidfile %s does not contain a pid: %w", path, err)
	}
	return pid, nil
}
