package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/config"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/jwt"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/validator"
	"github.com/spf13/pflag"
)

type options struct {
	envFile   string
	port      int
	logLevel  string
	store     string
	transport string
	syncMode  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options

	flagSet := pflag.NewFlagSet("presenced", pflag.ContinueOnError)
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "environment file merged into the process environment")
	flagSet.IntVar(&opts.port, "port", 0, "local API port (overrides APP_PORT)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flagSet.StringVar(&opts.store, "store", "", "queue store driver: sqlite, postgres or memory (overrides STORE_DRIVER)")
	flagSet.StringVar(&opts.transport, "transport", "", "realtime transport: http or mqtt (overrides REALTIME_TRANSPORT)")
	flagSet.StringVar(&opts.syncMode, "sync-mode", "", "individual or batch (overrides SYNC_MODE)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if err := applyFlags(flagSet, &opts); err != nil {
		return err
	}
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) > 0 {
		switch rest[0] {
		case "token":
			return issueToken(cfg, rest[1:])
		default:
			return fmt.Errorf("unexpected argument: %s", rest[0])
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

// applyFlags exports explicitly set flags over their environment variables so
// config.Load sees a single source and validates the merged result.
func applyFlags(flagSet *pflag.FlagSet, opts *options) error {
	overrides := map[string]string{}
	if flagSet.Changed("port") {
		overrides["APP_PORT"] = strconv.Itoa(opts.port)
	}
	if flagSet.Changed("log-level") {
		overrides["LOG_LEVEL"] = opts.logLevel
	}
	if flagSet.Changed("store") {
		overrides["STORE_DRIVER"] = opts.store
	}
	if flagSet.Changed("transport") {
		overrides["REALTIME_TRANSPORT"] = opts.transport
	}
	if flagSet.Changed("sync-mode") {
		overrides["SYNC_MODE"] = opts.syncMode
	}
	for key, value := range overrides {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// issueToken prints a local API token for one configured employee.
func issueToken(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: presenced token <employee-id>")
	}
	employeeID := args[0]

	if !validator.IsInSlice(employeeID, cfg.Device.Employees) {
		return fmt.Errorf("employee %s is not configured on device %s", employeeID, cfg.Device.ID)
	}

	JWTService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpiration, cfg.Device.ID)
	token, expiresAt, err := JWTService.GenerateAccessToken(employeeID)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", time.Unix(expiresAt, 0).Format(time.RFC3339))
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Local API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("local API: %w", err)
		}
	}

	app.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `presenced keeps clock-in, clock-out and break actions flowing to the
presence backend while the device goes on and off line.

Usage:
  presenced [flags]                 run the daemon and the local API
  presenced [flags] token <id>      print a local API token for an employee

Flags:
%s`, flagSet.FlagUsages())
}
