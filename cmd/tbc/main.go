package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "query":
		return runQueryCommand(args[1:], stdout, stderr)
	case "settle":
		return runSettleCommand(args[1:], stdout, stderr)
	case "sessions":
		return runSessionsCommand(args[1:], stdout, stderr)
	case "escrow":
		return runEscrowCommand(args[1:], stdout, stderr)
	case "receipt":
		return runReceiptCommand(args[1:], stdout, stderr)
	case "key":
		return runKeyCommand(args[1:], stdout, stderr)
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "export":
		return runExportCommand(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultControllerURL() string {
	if v := strings.TrimSpace(os.Getenv("TBC_CONTROLLER_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8402"
}

// applyGlobalFlags strips --controller and --token from args wherever they
// appear.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		matched := false
		for _, name := range []string{"--controller", "--token"} {
			var value string
			switch {
			case arg == name:
				if i+1 >= len(args) {
					return nil, fmt.Errorf("missing value for %s", name)
				}
				value = args[i+1]
				i++
			case strings.HasPrefix(arg, name+"="):
				value = strings.TrimPrefix(arg, name+"=")
			default:
				continue
			}
			matched = true
			if name == "--controller" {
				controllerURL = strings.TrimRight(strings.TrimSpace(value), "/")
			} else {
				controllerToken = strings.TrimSpace(value)
			}
			break
		}
		if !matched {
			out = append(out, arg)
		}
	}
	return out, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  tbc [--controller URL] [--token JWT] <command> [flags]

Commands:
  query     Send a TGP QUERY and print the OFFER
  settle    Send a TGP SETTLE report
  sessions  List or inspect controller sessions
  escrow    Create and drive escrows
  receipt   Fetch receipts and prove ownership
  key       Generate or inspect receipt owner keys
  token     Issue controller access tokens
  export    Export a receipt vault to parquet
  version   Print the CLI version

The controller URL defaults to TBC_CONTROLLER_URL or http://localhost:8402.
The bearer token defaults to TBC_TOKEN.
`)
}
