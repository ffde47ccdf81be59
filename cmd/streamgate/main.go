package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/streamgate/internal/config"
	"github.com/allaspectsdev/streamgate/internal/daemon"
	"github.com/allaspectsdev/streamgate/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "config-import":
		cmdConfigImport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdStart(args []string) {
	foreground := false
	for _, a := range args {
		if a == "--foreground" || a == "-f" {
			foreground = true
		}
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Run(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("streamgate stopped")
}

func cmdStatus() {
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfigExport(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: streamgate config-export <path>")
		os.Exit(1)
	}
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ExportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", args[0])
}

func cmdConfigImport(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: streamgate config-import <path>")
		os.Exit(1)
	}
	if err := config.ImportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s\n", args[0])
}

func printUsage() {
	fmt.Println(`Usage: streamgate <command> [options]

Commands:
  start          Start the relay daemon
  stop           Stop the running daemon
  status         Show daemon status
  keys           Manage upstream API keys (list|set|delete <protocol>)
  init-config    Generate default config file
  config-export  Export current config to a TOML file
  config-import  Import config from a TOML file
  version        Print version information
  help           Show this help message

Options:
  --foreground   Run in foreground (with 'start')`)
}
