package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v5"

	tbccrypto "tbc/crypto"
	"tbc/crypto/ownership"
	"tbc/native/escrow"
	"tbc/services/controller"
	"tbc/services/controller/middleware"
	"tbc/services/controller/policy"
	"tbc/services/controller/server"
	"tbc/state"
	"tbc/storage/vault"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type recordedCall struct {
	method string
	path   string
	body   any
}

func stubController(t *testing.T, reply json.RawMessage, err error) *[]recordedCall {
	t.Helper()
	calls := &[]recordedCall{}
	original := controllerCall
	controllerCall = func(method, path string, body any) (json.RawMessage, error) {
		*calls = append(*calls, recordedCall{method: method, path: path, body: body})
		return reply, err
	}
	t.Cleanup(func() { controllerCall = original })
	return calls
}

func forbidCalls(t *testing.T) {
	t.Helper()
	original := controllerCall
	controllerCall = func(method, path string, body any) (json.RawMessage, error) {
		t.Fatalf("unexpected controller call %s %s", method, path)
		return nil, nil
	}
	t.Cleanup(func() { controllerCall = original })
}

func TestRunDispatch(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := run(nil, stdout, stderr); code != 1 {
		t.Fatalf("no args exit %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage:") {
		t.Fatalf("expected usage, got %q", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"launch"}, stdout, stderr); code != 1 {
		t.Fatalf("unknown command exit %d", code)
	}
	if !strings.HasPrefix(stderr.String(), "Unknown command: launch\n") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}

	stdout.Reset()
	if code := run([]string{"version"}, stdout, stderr); code != 0 || strings.TrimSpace(stdout.String()) != version {
		t.Fatalf("version: %d %q", code, stdout.String())
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	origURL, origToken := controllerURL, controllerToken
	t.Cleanup(func() { controllerURL, controllerToken = origURL, origToken })

	rest, err := applyGlobalFlags([]string{"--controller", "http://ctl:9000/", "escrow", "--token=abc", "get"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if controllerURL != "http://ctl:9000" || controllerToken != "abc" {
		t.Fatalf("flags not applied: %q %q", controllerURL, controllerToken)
	}
	if strings.Join(rest, " ") != "escrow get" {
		t.Fatalf("unexpected remainder %v", rest)
	}
	if _, err := applyGlobalFlags([]string{"--token"}); err == nil {
		t.Fatalf("expected error for missing value")
	}
}

func TestEscrowCommandArgValidation(t *testing.T) {
	forbidCalls(t)
	zeroID := "0x" + strings.Repeat("0", 64)

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"usage", nil, "Usage:\n  tbc escrow"},
		{"unknown", []string{"launch"}, "Unknown escrow subcommand: launch"},
		{"missing buyer", []string{"create", "--seller", "s", "--amount", "1"}, "Error: --buyer is required"},
		{"bad amount", []string{"create", "--buyer", "b", "--seller", "s", "--amount", "1.5"}, "Error: --amount must be a positive integer"},
		{"zero amount", []string{"create", "--buyer", "b", "--seller", "s", "--amount", "0"}, "Error: --amount must be a positive integer"},
		{"swap without counter", []string{"create", "--buyer", "b", "--seller", "s", "--amount", "5", "--mode", "swap"}, "Error: --counter-amount is required"},
		{"counter on purchase", []string{"create", "--buyer", "b", "--seller", "s", "--amount", "5", "--counter-amount", "3"}, "Error: --counter-amount only applies to swap escrows"},
		{"bad mode", []string{"create", "--buyer", "b", "--seller", "s", "--amount", "5", "--mode", "barter"}, "unknown mode"},
		{"bad nonce", []string{"create", "--buyer", "b", "--seller", "s", "--amount", "5", "--nonce", "abc"}, "Error: --nonce must be a 32-byte hex string"},
		{"bad window", []string{"create", "--buyer", "b", "--seller", "s", "--amount", "5", "--claim-window", "0s"}, "Error: windows must be positive durations"},
		{"get missing id", []string{"get"}, "Error: --id is required"},
		{"get short id", []string{"get", "--id", "0x1234"}, "Error: --id must be a 0x-prefixed 32-byte hex string"},
		{"fund short id", []string{"fund", "--id", "0x12"}, "Error: --id must be a 0x-prefixed 32-byte hex string"},
		{"resolve outcome", []string{"resolve", "--id", zeroID, "--outcome", "split"}, "Error: --outcome must be settle or cancel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
			if code := runEscrowCommand(tc.args, stdout, stderr); code != 1 {
				t.Fatalf("exit %d", code)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("stderr %q does not contain %q", stderr.String(), tc.want)
			}
		})
	}
}

func TestEscrowActionsHitControllerRoutes(t *testing.T) {
	id := "0x" + strings.Repeat("ab", 32)
	calls := stubController(t, json.RawMessage(`{"id":"`+id+`","state":"BuyerCommitted"}`), nil)

	for _, action := range []string{"accept", "fund", "deliver", "counter-deliver", "dispute", "cancel", "settle"} {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		if code := runEscrowCommand([]string{action, "--id", id}, stdout, stderr); code != 0 {
			t.Fatalf("%s exit %d: %s", action, code, stderr.String())
		}
		if !strings.Contains(stdout.String(), `"state": "BuyerCommitted"`) {
			t.Fatalf("%s output %q", action, stdout.String())
		}
	}
	if len(*calls) != 7 {
		t.Fatalf("expected 7 calls, got %d", len(*calls))
	}
	last := (*calls)[6]
	if last.method != http.MethodPost || last.path != "/escrow/"+id+"/settle" {
		t.Fatalf("unexpected call %+v", last)
	}

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runEscrowCommand([]string{"resolve", "--id", id, "--outcome", "Refund"}, stdout, stderr); code != 0 {
		t.Fatalf("resolve exit %d: %s", code, stderr.String())
	}
	resolve := (*calls)[7]
	if resolve.path != "/escrow/"+id+"/resolve" {
		t.Fatalf("resolve path %s", resolve.path)
	}
	if body, _ := resolve.body.(map[string]string); body["outcome"] != "refund" {
		t.Fatalf("resolve body %+v", resolve.body)
	}
}

func TestEscrowCreateGeneratesNonceOnlyWithoutSession(t *testing.T) {
	calls := stubController(t, json.RawMessage(`{"id":"0x01"}`), nil)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	args := []string{"create", "--buyer", "b", "--seller", "s", "--amount", "007", "--timed-release", "1h"}
	if code := runEscrowCommand(args, stdout, stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if stdout.String() != "Escrow created: 0x01\n" {
		t.Fatalf("stdout %q", stdout.String())
	}
	encoded, err := json.Marshal((*calls)[0].body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var sent controller.WireTerms
	if err := json.Unmarshal(encoded, &sent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sent.Amount != "7" || len(sent.Nonce) != 64 || !sent.TimedRelease || sent.TimedReleaseDelay != 3600 {
		t.Fatalf("unexpected terms %+v", sent)
	}
	if sent.CommitmentWindow != 1800 || sent.ClaimWindow != 3600 {
		t.Fatalf("unexpected windows %+v", sent)
	}

	args = []string{"create", "--buyer", "b", "--seller", "s", "--amount", "7", "--session", "q-1"}
	if code := runEscrowCommand(args, stdout, stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	encoded, _ = json.Marshal((*calls)[1].body)
	if strings.Contains(string(encoded), `"nonce"`) || !strings.Contains(string(encoded), `"session":"q-1"`) {
		t.Fatalf("session create body %s", encoded)
	}
}

func TestControllerErrorsAreReported(t *testing.T) {
	body := json.RawMessage(`{"code":"not_found","message":"escrow: not found"}`)
	stubController(t, body, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "escrow: not found"})

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := runEscrowCommand([]string{"get", "--id", "0x" + strings.Repeat("0", 64)}, stdout, stderr)
	if code != 1 {
		t.Fatalf("exit %d", code)
	}
	if stderr.String() != "Error: not_found (404): escrow: not found\n" {
		t.Fatalf("stderr %q", stderr.String())
	}
	if !strings.Contains(stdout.String(), `"code": "not_found"`) {
		t.Fatalf("stdout %q", stdout.String())
	}

	stubController(t, nil, errors.New("dial tcp: refused"))
	stdout.Reset()
	stderr.Reset()
	if code := runReceiptCommand([]string{"get", "--id", "rcpt-1"}, stdout, stderr); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if stdout.Len() != 0 || stderr.String() != "Error: dial tcp: refused\n" {
		t.Fatalf("unexpected output %q / %q", stdout.String(), stderr.String())
	}
}

func TestQueryAndSettleValidateLocally(t *testing.T) {
	forbidCalls(t)

	cases := []struct {
		name string
		run  func([]string, *bytes.Buffer, *bytes.Buffer) int
		args []string
		want string
	}{
		{"query missing parties", wrap(runQueryCommand), []string{"--asset", "USDC"}, "--from and --to are required"},
		{"query bad zk", wrap(runQueryCommand), []string{"--from", "a", "--to", "b", "--asset", "USDC", "--zk", "MAYBE"}, "zk_profile"},
		{"settle missing ref", wrap(runSettleCommand), nil, "--ref is required"},
		{"settle bad source", wrap(runSettleCommand), []string{"--ref", "offer-1", "--source", "gossip"}, "source"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
			if code := tc.run(tc.args, stdout, stderr); code != 1 {
				t.Fatalf("exit %d", code)
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("stderr %q does not contain %q", stderr.String(), tc.want)
			}
		})
	}
}

func wrap(fn func([]string, io.Writer, io.Writer) int) func([]string, *bytes.Buffer, *bytes.Buffer) int {
	return func(args []string, stdout, stderr *bytes.Buffer) int { return fn(args, stdout, stderr) }
}

func TestQueryFromFileRejectsWrongPhase(t *testing.T) {
	forbidCalls(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "settle.json")
	settle := `{"phase":"SETTLE","id":"s-1","query_or_offer_id":"q-1","success":true,"source":"buyer-notify","layer8_tx":null,"session_id":null}`
	if err := os.WriteFile(path, []byte(settle), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runQueryCommand([]string{"--file", path}, stdout, stderr); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stderr.String(), "expected a QUERY message, got SETTLE") {
		t.Fatalf("stderr %q", stderr.String())
	}
}

func TestTokenCommandIssuesScopedToken(t *testing.T) {
	origNow := tokenNow
	tokenNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	t.Cleanup(func() { tokenNow = origNow })

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	args := []string{"--secret", "s3cret", "--subject", "agent-7", "--scopes", "tgp:agent, escrow:write", "--ttl", "0"}
	if code := runTokenCommand(args, stdout, stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(stdout.String()), claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims["sub"] != "agent-7" || claims["scope"] != "tgp:agent escrow:write" {
		t.Fatalf("unexpected claims %v", claims)
	}

	stderr.Reset()
	t.Setenv("TBC_AUTH_SECRET", "")
	if code := runTokenCommand([]string{"--subject", "x"}, stdout, stderr); code != 1 {
		t.Fatalf("expected failure without a secret")
	}
	if !strings.Contains(stderr.String(), "auth secret not configured") {
		t.Fatalf("stderr %q", stderr.String())
	}
}

func TestKeyAddressAndProof(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runKeyCommand([]string{"address", "--key-hex", testKeyHex}, stdout, stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	key, err := tbccrypto.PrivateKeyFromBytes(common.FromHex(testKeyHex))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if !strings.Contains(stdout.String(), "Address: "+key.Address().Hex()) {
		t.Fatalf("stdout %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "Bech32:  "+tbccrypto.AddressPrefix+"1") {
		t.Fatalf("stdout %q", stdout.String())
	}

	stdout.Reset()
	if code := runReceiptCommand([]string{"prove", "--id", "rcpt-1", "--key-hex", "0x" + testKeyHex}, stdout, stderr); code != 0 {
		t.Fatalf("prove exit %d: %s", code, stderr.String())
	}
	want, err := ownership.SignReceipt("rcpt-1", key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != hexutil.Encode(want) {
		t.Fatalf("proof %q", stdout.String())
	}

	stderr.Reset()
	if code := runReceiptCommand([]string{"prove", "--id", "rcpt-1"}, stdout, stderr); code != 1 {
		t.Fatalf("expected failure without a key")
	}
	if !strings.Contains(stderr.String(), "--keystore or --key-hex is required") {
		t.Fatalf("stderr %q", stderr.String())
	}
}

func TestExportRequiresPersistentBackend(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runExportCommand([]string{"--backend", "memory"}, stdout, stderr); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stderr.String(), "a persistent --backend is required") {
		t.Fatalf("stderr %q", stderr.String())
	}
}

func TestExportWritesParquet(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vault.db")
	v, err := vault.Open(vault.BackendBolt, dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = v.Mint(context.Background(), vault.Receipt{
		ID:        "rcpt-1",
		OrderID:   "0x" + strings.Repeat("01", 32),
		Buyer:     "buyer://alice",
		Seller:    "seller://bob",
		Amount:    "25000000",
		Mode:      "purchase",
		Timestamp: 1_700_000_000,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := filepath.Join(dir, "receipts.parquet")
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runExportCommand([]string{"--backend", "bolt", "--path", dbPath, "--out", out}, stdout, stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if stdout.String() != "Exported 1 receipts to "+out+"\n" {
		t.Fatalf("stdout %q", stdout.String())
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Fatalf("parquet file missing: %v", err)
	}
}

// TestAgentFlowAgainstController drives a full purchase through a live
// controller using only CLI commands.
func TestAgentFlowAgainstController(t *testing.T) {
	key, err := tbccrypto.PrivateKeyFromBytes(common.FromHex(testKeyHex))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	buyer := key.Address().Hex()
	const seller = "seller://bob"

	now := int64(1_700_000_000)
	book := state.NewBook(state.DefaultVaultAccount)
	if err := book.Deposit(buyer, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	v := vault.NewMemory()
	engine := escrow.NewEngine()
	engine.SetState(book)
	engine.SetVault(v)
	engine.SetNowFunc(func() int64 { return now })
	prover, err := ownership.NewProver(v, nil)
	if err != nil {
		t.Fatalf("prover: %v", err)
	}
	ctrl := controller.New(policy.DefaultPolicy(), controller.NewLocalBridge(engine, book), v,
		controller.WithProver(prover),
		controller.WithClock(func() time.Time { return time.Unix(now, 0) }))
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "s3cret"}, nil)
	srv, err := server.New(server.Config{Controller: ctrl, Version: "test", Authenticator: auth})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	origURL, origToken := controllerURL, controllerToken
	t.Cleanup(func() { controllerURL, controllerToken = origURL, origToken })

	exec := func(args ...string) string {
		t.Helper()
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		if code := run(args, stdout, stderr); code != 0 {
			t.Fatalf("%v exit %d: %s", args, code, stderr.String())
		}
		return stdout.String()
	}

	token := strings.TrimSpace(exec("token", "--secret", "s3cret", "--subject", "agent", "--scopes", "tgp:agent,escrow:write"))
	global := []string{"--controller", ts.URL, "--token", token}

	offer := exec(append(global, "query", "--id", "q-1", "--from", buyer, "--to", seller, "--asset", "USDC", "--amount", "40", "--escrow-from-402")...)
	if !strings.Contains(offer, `"phase": "OFFER"`) || !strings.Contains(offer, `"session_id": "sess-q-1"`) {
		t.Fatalf("offer %s", offer)
	}

	created := exec(append(global, "escrow", "create", "--session", "q-1", "--buyer", buyer, "--seller", seller, "--amount", "40")...)
	id := strings.TrimSpace(strings.TrimPrefix(created, "Escrow created:"))
	if _, err := escrow.ParseOrderID(id); err != nil {
		t.Fatalf("created %q: %v", created, err)
	}
	for _, action := range []string{"accept", "fund", "deliver"} {
		exec(append(global, "escrow", action, "--id", id)...)
	}

	settled := exec(append(global, "settle", "--ref", "offer-q-1")...)
	receiptID := decodeJSONField(json.RawMessage(settled), "receipt_id")
	if receiptID == "" || decodeJSONField(json.RawMessage(settled), "state") != "Settled" {
		t.Fatalf("settle %s", settled)
	}
	if got := book.Balance(seller); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("seller balance %s", got)
	}

	receipt := exec(append(global, "receipt", "get", "--id", receiptID)...)
	if decodeJSONField(json.RawMessage(receipt), "order_id") != id {
		t.Fatalf("receipt %s", receipt)
	}

	proof := strings.TrimSpace(exec("receipt", "prove", "--id", receiptID, "--key-hex", testKeyHex))
	verified := exec(append(global, "receipt", "verify", "--id", receiptID, "--proof", proof)...)
	if !strings.Contains(verified, `"valid": true`) {
		t.Fatalf("verify %s", verified)
	}

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := run(append(global, "escrow", "resolve", "--id", id, "--outcome", "settle"), stdout, stderr); code != 1 {
		t.Fatalf("resolve without admin scope exit %d", code)
	}
	if stderr.String() != "Error: controller returned 403: insufficient scope\n" {
		t.Fatalf("stderr %q", stderr.String())
	}
}
