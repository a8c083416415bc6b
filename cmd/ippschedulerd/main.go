// Command ippschedulerd is the scheduler daemon's entry point: it loads
// configuration, opens the persisted-state database, builds the
// composition root, and serves IPP-over-HTTP plus an admin/metrics
// endpoint until asked to stop.
//
// The command surface (one binary, a handful of subcommands, global
// flags bound in an init()) is grounded on the cuemby-warren CLI's
// cobra.Command tree; the "load config, validate, then serve forever"
// body of runServe follows the shape of ipp-usb's main(), minus the
// USB-specific device discovery and daemonization ipp-usb does
// (this daemon is meant to run under an init system, not fork itself).
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/OpenPrinting/ipp-scheduler/internal/config"
	"github.com/OpenPrinting/ipp-scheduler/internal/logging"
	"github.com/OpenPrinting/ipp-scheduler/internal/server"
	"github.com/OpenPrinting/ipp-scheduler/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ippschedulerd",
	Short: "IPP print-service scheduler daemon",
	Long: `ippschedulerd implements the core of an IPP print-service scheduler:
destination registry, job store, quota tracker, subscription engine,
policy engine, and request dispatcher, served over IPP-over-HTTP.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the scheduler's INI configuration file (defaults built in if omitted)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":631", "Address to serve IPP-over-HTTP on")
	serveCmd.Flags().String("admin-listen", "127.0.0.1:9631", "Address to serve /status and /metrics on")
	serveCmd.Flags().String("db", "/var/lib/ipp-scheduler/state.db", "Path to the persisted-state database")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("configuration OK: server %q, default policy %q\n", cfg.ServerName, cfg.DefaultPolicy)
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.New("main")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	dbPath, _ := cmd.Flags().GetString("db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer db.Close()

	promReg := prometheus.NewRegistry()
	srv, err := server.New(cfg, db, promReg)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}
	srv.Start()
	defer srv.Stop()

	listenAddr, _ := cmd.Flags().GetString("listen")
	adminAddr, _ := cmd.Flags().GetString("admin-listen")

	front := &http.Server{Addr: listenAddr, Handler: server.NewFront(srv.Dispatcher)}
	admin := &http.Server{Addr: adminAddr, Handler: srv.NewAdminRouter()}

	errCh := make(chan error, 2)
	go func() {
		log.Info("serving IPP-over-HTTP on %s", listenAddr)
		if err := front.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("IPP listener: %w", err)
		}
	}()
	go func() {
		log.Info("serving admin endpoints on %s", adminAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("%s", err)
		return err
	}

	front.Close()
	admin.Close()
	return nil
}
