package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/gateway"
	"github.com/tessera-db/tessera/pkg/version"

	// Connector implementations (register via init())
	_ "github.com/tessera-db/tessera/pkg/connector/avrofile"
	_ "github.com/tessera-db/tessera/pkg/connector/catalog"
	_ "github.com/tessera-db/tessera/pkg/connector/sqldb"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tessera", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configFile  = fs.String("c", "", "Configuration file path")
		configFileL = fs.String("config", "", "Configuration file path")

		proxyAddr  = fs.String("addr", "", "Proxy listen address (overrides config)")
		fdwSocket  = fs.String("fdw-socket", "", "FDW host socket path (overrides config)")
		logLevel   = fs.String("log-level", "", "Log level: debug, info, warn, error")
		logFormat  = fs.String("log-format", "", "Log format: text, json")
		noWatch    = fs.Bool("no-watch", false, "Disable config hot reload")
		showHelp   = fs.Bool("h", false, "Show help")
		showHelpL  = fs.Bool("help", false, "Show help")
		showVer    = fs.Bool("v", false, "Show version")
		showVerL   = fs.Bool("version", false, "Show version")
	)

	fs.Usage = func() {
		printUsage(stderr)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Coalesce short and long flags
	if *configFileL != "" {
		*configFile = *configFileL
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVerL {
		*showVer = true
	}

	if *showHelp {
		printUsage(stdout)
		return 0
	}

	if *showVer {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(stderr, "a configuration file is required (-c <file>)")
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}

	// Flag overrides
	if *proxyAddr != "" {
		cfg.Proxy.Addr = *proxyAddr
	}
	if *fdwSocket != "" {
		cfg.Fdw.SocketPath = *fdwSocket
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	watchPath := *configFile
	if *noWatch {
		watchPath = ""
	}

	gw, err := gateway.New(cfg, watchPath)
	if err != nil {
		fmt.Fprintf(stderr, "error creating gateway: %v\n", err)
		return 1
	}

	logger := gw.Logger()

	if err := gw.Start(); err != nil {
		fmt.Fprintf(stderr, "error starting gateway: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "tessera gateway started (version %s)\n", version.Version)
	fmt.Fprintf(stdout, "  Proxy: %s\n", cfg.Proxy.Addr)
	fmt.Fprintf(stdout, "  FDW socket: %s\n", cfg.Fdw.SocketPath)
	fmt.Fprintf(stdout, "  Data sources: %d\n", len(cfg.Sources))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.System().Info("shutdown signal received", "signal", sig.String())
	fmt.Fprintln(stdout, "\nShutting down...")

	if err := gw.Stop(); err != nil {
		fmt.Fprintf(stderr, "error stopping gateway: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Gateway stopped")
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tessera - Federated data gateway speaking the PostgreSQL wire protocol

Usage:
  tessera -c <config file> [options]

Options:
  -c, --config <file>      Configuration file path (required)
  --addr <host:port>       Proxy listen address (overrides config)
  --fdw-socket <path>      FDW host unix socket path (overrides config)
  --no-watch               Disable configuration hot reload

Logging:
  --log-level <level>      Log level: debug, info, warn, error
  --log-format <format>    Log format: text, json

General:
  -h, --help               Show help
  -v, --version            Show version

Environment:
  TESSERA_FDW_SOCKET       Overrides the FDW host socket path
  TESSERA_WEB_ASSETS       Overrides the admin frontend assets directory
`)
}
