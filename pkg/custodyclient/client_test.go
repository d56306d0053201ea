package custodyclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/custody"
	"github.com/ajo/pool-service/internal/domain"
)

func TestTransferNativeSendsKeyAndDecodesReceipt(t *testing.T) {
	from, to := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transfers/native" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-custody-key") != "secret" {
			t.Fatalf("expected custody key header, got %q", r.Header.Get("x-custody-key"))
		}
		var body custody.NativeTransfer
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if !body.From.Equals(from) || body.Amount != 42 || body.Reference != "ref-1" {
			t.Fatalf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"rcpt-1","reference":"ref-1"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	receipt, err := client.TransferNative(context.Background(), custody.NativeTransfer{
		From: from, To: to, Amount: 42, Authority: custody.WalletAuthority(from), Reference: "ref-1",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if receipt.ID != "rcpt-1" {
		t.Fatalf("expected receipt rcpt-1, got %+v", receipt)
	}
}

func TestTransferErrorsMapToDomain(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr error
	}{
		{name: "insufficient funds", code: "insufficient_funds", wantErr: domain.ErrInsufficientFunds},
		{name: "missing token account", code: "token_account_not_found", wantErr: domain.ErrTokenAccountNotFound},
		{name: "authority", code: "invalid_authority", wantErr: domain.ErrInvalidAuthority},
		{name: "destination owner", code: "token_account_mismatch", wantErr: domain.ErrTokenAccountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"errors":[{"code":"` + tt.code + `","title":"rejected","detail":"nope"}]}`))
			}))
			defer server.Close()

			client := NewClient(server.URL, "secret")
			_, err := client.TransferToken(context.Background(), custody.TokenTransfer{Amount: 1, DestinationOwner: solana.NewWallet().PublicKey()})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTransferTokenSendsDestinationOwner(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body custody.TokenTransfer
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if !body.DestinationOwner.Equals(owner) {
			t.Fatalf("expected destination owner %s, got %s", owner, body.DestinationOwner)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"rcpt-2","reference":"payout:1"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k")
	if _, err := client.TransferToken(context.Background(), custody.TokenTransfer{Amount: 5, Reference: "payout:1"}); !errors.Is(err, domain.ErrTokenAccountMismatch) {
		t.Fatalf("expected ErrTokenAccountMismatch without an owner, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no request without an owner, got %d", calls)
	}
	if _, err := client.TransferToken(context.Background(), custody.TokenTransfer{Amount: 5, DestinationOwner: owner, Reference: "payout:1"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestUnknownErrorCodeIsNotTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":[{"code":"internal","title":"boom"}]}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k").TransferNative(context.Background(), custody.NativeTransfer{Amount: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := domain.AsError(err); ok {
		t.Fatalf("expected untyped infrastructure error, got %v", err)
	}
}

func TestBalanceAndProvisionVault(t *testing.T) {
	vault, mint := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	tokenAccount := solana.NewWallet().PublicKey()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/vaults":
			_, _ = w.Write([]byte(`{"data":{"vault":"` + vault.String() + `","token_account":"` + tokenAccount.String() + `"}}`))
		case "/v1/balances/" + vault.String():
			if r.URL.Query().Get("mint") != mint.String() {
				t.Fatalf("expected mint query, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"data":{"account":"x","amount":900}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "k")
	account, err := client.ProvisionVault(context.Background(), vault, &mint)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if account.TokenAccount == nil || !account.TokenAccount.Equals(tokenAccount) {
		t.Fatalf("unexpected vault account %+v", account)
	}

	balance, err := client.Balance(context.Background(), vault, &mint)
	if err != nil || balance != 900 {
		t.Fatalf("expected balance 900, got %d err=%v", balance, err)
	}
}
