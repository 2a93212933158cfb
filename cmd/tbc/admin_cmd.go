package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tbc/services/controller/config"
	"tbc/services/controller/middleware"
	"tbc/storage/vault"
)

var tokenNow = time.Now

// runTokenCommand mints a bearer token signed with the controller's HMAC
// secret. The secret comes from --config, --secret or TBC_AUTH_SECRET.
func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", tokenUsage(), stderr)
	var (
		configPath string
		secret     string
		issuer     string
		audience   string
		subject    string
		scopes     string
		ttl        time.Duration
	)
	fs.StringVar(&configPath, "config", "", "Controller config to read auth settings from")
	fs.StringVar(&secret, "secret", "", "HMAC secret (default: TBC_AUTH_SECRET)")
	fs.StringVar(&issuer, "issuer", "", "Token issuer")
	fs.StringVar(&audience, "audience", "", "Token audience")
	fs.StringVar(&subject, "subject", "", "Agent or operator the token is issued to")
	fs.StringVar(&scopes, "scopes", middleware.ScopeAgent, "Comma-separated scopes")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(configPath) != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		if secret == "" {
			secret = cfg.Auth.HMACSecret
		}
		if issuer == "" {
			issuer = cfg.Auth.Issuer
		}
		if audience == "" {
			audience = cfg.Auth.Audience
		}
	}
	if secret == "" {
		secret = os.Getenv("TBC_AUTH_SECRET")
	}
	if strings.TrimSpace(subject) == "" {
		return printError(stderr, "--subject is required")
	}
	var list []string
	for _, scope := range strings.Split(scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			list = append(list, scope)
		}
	}
	if len(list) == 0 {
		return printError(stderr, "--scopes must name at least one scope")
	}
	token, err := middleware.IssueToken(secret, issuer, audience, strings.TrimSpace(subject), list, ttl, tokenNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// runExportCommand dumps a receipt vault to parquet. It opens the vault
// directly, so persistent backends must not be held open by a running
// controller.
func runExportCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", exportUsage(), stderr)
	var configPath, backend, path, out string
	fs.StringVar(&configPath, "config", "", "Controller config to read the vault location from")
	fs.StringVar(&backend, "backend", "", "Vault backend: leveldb, sqlite or bolt")
	fs.StringVar(&path, "path", "", "Vault path")
	fs.StringVar(&out, "out", "receipts.parquet", "Parquet file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(configPath) != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		if backend == "" {
			backend = cfg.Vault.Backend
		}
		if path == "" {
			path = cfg.Vault.Path
		}
	}
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" || backend == vault.BackendMemory {
		return printError(stderr, "a persistent --backend is required")
	}
	if strings.TrimSpace(path) == "" {
		return printError(stderr, "--path is required")
	}
	v, err := vault.Open(backend, path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer v.Close()
	rows, err := vault.ExportParquet(context.Background(), v, out)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Exported %d receipts to %s\n", rows, out)
	return 0
}

func tokenUsage() string {
	return strings.TrimSpace(`Usage:
  tbc token --subject NAME [--scopes tgp:agent,escrow:write] [--ttl 24h] [--config FILE]`)
}

func exportUsage() string {
	return strings.TrimSpace(`Usage:
  tbc export --backend bolt --path vault.db [--out receipts.parquet]
  tbc export --config controller.yaml`)
}
