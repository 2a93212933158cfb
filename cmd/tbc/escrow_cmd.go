package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"tbc/native/escrow"
	"tbc/services/controller"
)

// escrowActions maps CLI subcommands onto the controller's action routes.
var escrowActions = map[string]string{
	"accept":          "accept",
	"fund":            "fund",
	"deliver":         "deliver",
	"counter-deliver": "counter-deliver",
	"dispute":         "dispute",
	"cancel":          "cancel",
	"settle":          "settle",
}

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "resolve":
		return runEscrowResolve(args[1:], stdout, stderr)
	}
	if action, ok := escrowActions[args[0]]; ok {
		return runEscrowTransition(args[0], action, args[1:], stdout, stderr)
	}
	fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
	fmt.Fprintln(stderr, escrowUsage())
	return 1
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow create", escrowUsage(), stderr)
	var (
		buyer         string
		seller        string
		amount        string
		counterAmount string
		mode          string
		commitment    time.Duration
		claim         time.Duration
		release       time.Duration
		nonce         string
		session       string
	)
	fs.StringVar(&buyer, "buyer", "", "Buyer account")
	fs.StringVar(&seller, "seller", "", "Seller account")
	fs.StringVar(&amount, "amount", "", "Buyer amount in base units")
	fs.StringVar(&counterAmount, "counter-amount", "", "Seller amount for swap escrows")
	fs.StringVar(&mode, "mode", "purchase", "Escrow mode: purchase or swap")
	fs.DurationVar(&commitment, "commitment-window", 30*time.Minute, "Time both parties have to commit")
	fs.DurationVar(&claim, "claim-window", time.Hour, "Time to claim after both commit")
	fs.DurationVar(&release, "timed-release", 0, "Release to the seller this long after delivery (0 disables)")
	fs.StringVar(&nonce, "nonce", "", "32-byte hex nonce (default: random, or derived from --session)")
	fs.StringVar(&session, "session", "", "Bind the escrow to this query or session")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if strings.TrimSpace(buyer) == "" {
		return printError(stderr, "--buyer is required")
	}
	if strings.TrimSpace(seller) == "" {
		return printError(stderr, "--seller is required")
	}
	normalized, err := normalizeAmount(amount, "--amount")
	if err != nil {
		return printError(stderr, err.Error())
	}
	var m escrow.EscrowMode
	if err := m.UnmarshalText([]byte(mode)); err != nil {
		return printError(stderr, err.Error())
	}
	req := struct {
		controller.WireTerms
		Session string `json:"session,omitempty"`
	}{
		WireTerms: controller.WireTerms{
			Buyer:             strings.TrimSpace(buyer),
			Seller:            strings.TrimSpace(seller),
			Amount:            normalized,
			Mode:              m.String(),
			CommitmentWindow:  int64(commitment / time.Second),
			ClaimWindow:       int64(claim / time.Second),
			TimedRelease:      release > 0,
			TimedReleaseDelay: int64(release / time.Second),
			Nonce:             strings.TrimPrefix(strings.TrimSpace(nonce), "0x"),
		},
		Session: strings.TrimSpace(session),
	}
	if m == escrow.ModeSwap {
		counter, err := normalizeAmount(counterAmount, "--counter-amount")
		if err != nil {
			return printError(stderr, err.Error())
		}
		req.CounterAmount = counter
	} else if strings.TrimSpace(counterAmount) != "" {
		return printError(stderr, "--counter-amount only applies to swap escrows")
	}
	if commitment <= 0 || claim <= 0 || release < 0 {
		return printError(stderr, "windows must be positive durations")
	}
	if req.Nonce != "" && !isHex(req.Nonce, 64) {
		return printError(stderr, "--nonce must be a 32-byte hex string")
	}
	if req.Nonce == "" && req.Session == "" {
		var buf [32]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return printError(stderr, err.Error())
		}
		req.Nonce = hex.EncodeToString(buf[:])
	}

	result, err := controllerCall(http.MethodPost, "/escrow", req)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	fmt.Fprintf(stdout, "Escrow created: %s\n", decodeJSONField(result, "id"))
	return 0
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow get", escrowUsage(), stderr)
	var id string
	fs.StringVar(&id, "id", "", "Escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	result, err := controllerCall(http.MethodGet, "/escrow/"+strings.TrimSpace(id), nil)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowTransition(name, action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow "+name, escrowUsage(), stderr)
	var id string
	fs.StringVar(&id, "id", "", "Escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	result, err := controllerCall(http.MethodPost, "/escrow/"+strings.TrimSpace(id)+"/"+action, nil)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow resolve", escrowUsage(), stderr)
	var id, outcome string
	fs.StringVar(&id, "id", "", "Escrow id")
	fs.StringVar(&outcome, "outcome", "", "Resolution: settle or cancel")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	switch outcome {
	case escrow.OutcomeSettle, "release", escrow.OutcomeCancel, "refund":
	default:
		return printError(stderr, "--outcome must be settle or cancel")
	}
	body := map[string]string{"outcome": outcome}
	result, err := controllerCall(http.MethodPost, "/escrow/"+strings.TrimSpace(id)+"/resolve", body)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  tbc escrow <command> [flags]

Commands:
  create           Create an escrow, optionally bound to a session
  get              Fetch escrow details by id
  accept           Seller commits to the escrow
  fund             Buyer funds the escrow
  deliver          Seller claims delivery
  counter-deliver  Buyer claims counter-delivery (swap mode)
  settle           Settle an eligible escrow and mint a receipt
  dispute          Flag an escrow for arbitration
  cancel           Cancel an escrow before both sides commit
  resolve          Resolve a disputed escrow (admin)
`)
}

func normalizeAmount(value, flagName string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() <= 0 {
		return "", fmt.Errorf("%s must be a positive integer", flagName)
	}
	return amount.String(), nil
}

func isHex(value string, length int) bool {
	if length > 0 && len(value) != length {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return value != ""
}

func validateEscrowID(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--id is required")
	}
	if _, err := escrow.ParseOrderID(trimmed); err != nil {
		return fmt.Errorf("--id must be a 0x-prefixed 32-byte hex string")
	}
	return nil
}
