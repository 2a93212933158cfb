package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"tbc/native/escrow"
	"tbc/services/controller/policy"
)

func newRPCBridge(t *testing.T, f *fixture) *RPCBridge {
	t.Helper()
	srv := httptest.NewServer(NewRPCHandler(f.bridge, nil))
	t.Cleanup(srv.Close)
	return NewRPCBridge(srv.URL, "", 0)
}

func TestRPCBridgeLifecycle(t *testing.T) {
	f := newFixture(t)
	client := newRPCBridge(t, f)
	ctx := context.Background()

	terms := pizzaTerms()
	terms.Nonce = [32]byte{0x01}
	id, err := client.CreateEscrow(ctx, terms)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := escrow.DeriveOrderID(alice, pizzeria, terms.Nonce); id != want {
		t.Fatalf("id %s want %s", id, want)
	}
	if err := client.SellerAccept(ctx, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := client.BuyerFund(ctx, id); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := client.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	st, err := client.GetEscrowState(ctx, id)
	if err != nil || st != escrow.StateSellerClaimed {
		t.Fatalf("state %s err %v", st, err)
	}
	receiptID, err := client.Settle(ctx, id)
	if err != nil || receiptID == "" {
		t.Fatalf("settle: %q %v", receiptID, err)
	}
	again, err := client.Settle(ctx, id)
	if err != nil || again != receiptID {
		t.Fatalf("second settle %q %v", again, err)
	}
	view, err := client.GetEscrow(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.State != "Settled" || view.Amount != "25000000" || view.ReceiptID != receiptID || view.Mode != "purchase" {
		t.Fatalf("unexpected view %+v", view)
	}
	if got := f.book.Balance(pizzeria); got.Cmp(big.NewInt(pizzaPrice)) != 0 {
		t.Fatalf("seller balance %s", got)
	}
}

func TestRPCBridgeRestoresErrorClass(t *testing.T) {
	f := newFixture(t)
	client := newRPCBridge(t, f)
	ctx := context.Background()

	id, err := client.CreateEscrow(ctx, pizzaTerms())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := client.Settle(ctx, id); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var remote *RemoteError
	if _, err := client.Settle(ctx, id); !errors.As(err, &remote) || remote.Code != CodeInvalidTransition {
		t.Fatalf("expected remote error, got %v", err)
	}
	if _, err := client.GetEscrowState(ctx, escrow.OrderID{0x99}); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	poor := pizzaTerms()
	poor.Buyer = "buyer://carol"
	poorID, err := client.CreateEscrow(ctx, poor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.SellerAccept(ctx, poorID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := client.BuyerFund(ctx, poorID); !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestRPCHandlerRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	h := NewRPCHandler(f.bridge, nil)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{`, codeParseError},
		{"bad version", `{"jsonrpc":"1.0","method":"escrow_get","params":[{"id":"0x00"}],"id":1}`, codeInvalidRequest},
		{"no params", `{"jsonrpc":"2.0","method":"escrow_get","params":[],"id":2}`, codeInvalidParams},
		{"bad id", `{"jsonrpc":"2.0","method":"escrow_get","params":[{"id":"zz"}],"id":3}`, codeInvalidParams},
		{"unknown method", `{"jsonrpc":"2.0","method":"escrow_burn","params":[{"id":"0x` + zeroHex + `"}],"id":4}`, codeMethodNotFound},
		{"bad amount", `{"jsonrpc":"2.0","method":"escrow_create","params":[{"buyer":"a","seller":"b","amount":"lots"}],"id":5}`, codeInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(tc.body)))
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d", rec.Code)
			}
			var reply rpcReply
			if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if reply.Error == nil || reply.Error.Code != tc.code {
				t.Fatalf("error %+v want code %d", reply.Error, tc.code)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status %d", rec.Code)
	}
}

const zeroHex = "0000000000000000000000000000000000000000000000000000000000000000"

func TestControllerOverRPCBridge(t *testing.T) {
	f := newFixture(t)
	remote := New(policy.DefaultPolicy(), newRPCBridge(t, f), f.vault)
	ctx := context.Background()

	if _, err := remote.HandleQuery(ctx, pizzaQuery()); err != nil {
		t.Fatalf("query: %v", err)
	}
	id, err := remote.OpenEscrow(ctx, "q-1", pizzaTerms())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, step := range []func(context.Context, escrow.OrderID) error{
		remote.Bridge().SellerAccept, remote.Bridge().BuyerFund, remote.Bridge().MarkDelivered,
	} {
		if err := step(ctx, id); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	out, err := remote.HandleSettle(ctx, buyerNotify("offer-q-1", true))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.State != escrow.StateSettled || out.ReceiptID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
