package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"

	"tbc/protocol/tgp"
)

var readMessageFile = os.ReadFile

func runQueryCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("query", queryUsage(), stderr)
	var (
		file     string
		id       string
		from     string
		to       string
		asset    string
		amount   uint64
		from402  bool
		contract string
		zk       string
	)
	fs.StringVar(&file, "file", "", "Path to a complete QUERY message (overrides the other flags)")
	fs.StringVar(&id, "id", "", "Query id (default: generated)")
	fs.StringVar(&from, "from", "", "Buyer identity")
	fs.StringVar(&to, "to", "", "Seller identity")
	fs.StringVar(&asset, "asset", "", "Asset symbol or contract")
	fs.Uint64Var(&amount, "amount", 0, "Amount in the asset's base units")
	fs.BoolVar(&from402, "escrow-from-402", false, "Request escrow because a 402 response asked for it")
	fs.StringVar(&contract, "escrow-contract", "", "Escrow contract named by the 402 response")
	fs.StringVar(&zk, "zk", string(tgp.ZkNone), "ZK profile: NONE, OPTIONAL or REQUIRED")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var msg tgp.Message
	if file != "" {
		loaded, err := loadMessage(file, tgp.PhaseQuery)
		if err != nil {
			return printError(stderr, err.Error())
		}
		msg = loaded
	} else {
		if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return printError(stderr, "--from and --to are required")
		}
		if strings.TrimSpace(asset) == "" {
			return printError(stderr, "--asset is required")
		}
		q := &tgp.Query{
			ID:            messageID(id, "q"),
			From:          strings.TrimSpace(from),
			To:            strings.TrimSpace(to),
			Asset:         strings.TrimSpace(asset),
			Amount:        amount,
			EscrowFrom402: from402,
			ZkProfile:     tgp.ZkProfile(strings.ToUpper(strings.TrimSpace(zk))),
		}
		if strings.TrimSpace(contract) != "" {
			q.EscrowContractFrom402 = tgp.String(strings.TrimSpace(contract))
		}
		msg = q
	}
	return postMessage("/tgp/query", msg, stdout, stderr)
}

func runSettleCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("settle", settleUsage(), stderr)
	var (
		file     string
		id       string
		ref      string
		success  bool
		source   string
		layer8Tx string
		session  string
	)
	fs.StringVar(&file, "file", "", "Path to a complete SETTLE message (overrides the other flags)")
	fs.StringVar(&id, "id", "", "Settle id (default: generated)")
	fs.StringVar(&ref, "ref", "", "Query or offer id being settled")
	fs.BoolVar(&success, "success", true, "Whether the settlement succeeded")
	fs.StringVar(&source, "source", string(tgp.SourceBuyerNotify), "Reporter: buyer-notify, controller-watcher or coreprover-indexer")
	fs.StringVar(&layer8Tx, "layer8-tx", "", "Settlement transaction hash")
	fs.StringVar(&session, "session", "", "Session id from the offer")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var msg tgp.Message
	if file != "" {
		loaded, err := loadMessage(file, tgp.PhaseSettle)
		if err != nil {
			return printError(stderr, err.Error())
		}
		msg = loaded
	} else {
		if strings.TrimSpace(ref) == "" {
			return printError(stderr, "--ref is required")
		}
		s := &tgp.Settle{
			ID:             messageID(id, "s"),
			QueryOrOfferID: strings.TrimSpace(ref),
			Success:        success,
			Source:         tgp.SettleSource(strings.TrimSpace(source)),
		}
		if v := strings.TrimSpace(layer8Tx); v != "" {
			s.Layer8Tx = tgp.String(v)
		}
		if v := strings.TrimSpace(session); v != "" {
			s.SessionID = tgp.String(v)
		}
		msg = s
	}
	return postMessage("/tgp/settle", msg, stdout, stderr)
}

func runSessionsCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sessions", "Usage:\n  tbc sessions [--id SESSION]", stderr)
	var id string
	fs.StringVar(&id, "id", "", "Session id to inspect (default: list all)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := "/sessions"
	if v := strings.TrimSpace(id); v != "" {
		path += "/" + url.PathEscape(v)
	}
	result, err := controllerCall(http.MethodGet, path, nil)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

// postMessage validates msg locally before sending it so malformed input never
// reaches the controller.
func postMessage(path string, msg tgp.Message, stdout, stderr io.Writer) int {
	payload, err := tgp.Encode(msg)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := controllerCall(http.MethodPost, path, payload)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

func loadMessage(path string, want tgp.Phase) (tgp.Message, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(io.LimitReader(os.Stdin, maxResponse))
	} else {
		raw, err = readMessageFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	msg, err := tgp.Decode(raw)
	if err != nil {
		return nil, err
	}
	if msg.Phase() != want {
		return nil, fmt.Errorf("expected a %s message, got %s", want, msg.Phase())
	}
	return msg, nil
}

func messageID(id, prefix string) string {
	if v := strings.TrimSpace(id); v != "" {
		return v
	}
	return prefix + "-" + uuid.NewString()
}

func newFlagSet(name, usageText string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usageText)
		fs.PrintDefaults()
	}
	return fs
}

func queryUsage() string {
	return strings.TrimSpace(`Usage:
  tbc query --from BUYER --to SELLER --asset ASSET --amount N [--zk PROFILE]
  tbc query --file query.json`)
}

func settleUsage() string {
	return strings.TrimSpace(`Usage:
  tbc settle --ref OFFER_ID [--success=false] [--source SOURCE] [--session ID]
  tbc settle --file settle.json`)
}

// decodeJSONField extracts a top-level string field from a response.
func decodeJSONField(raw json.RawMessage, field string) string {
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	if v, ok := m[field].(string); ok {
		return v
	}
	return ""
}
