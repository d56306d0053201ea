/**
 * @description
 * This package provides a client for a remote custody service that holds pool vault balances.
 * It implements custody.Custodian over authenticated JSON HTTP calls, translating the
 * service's error codes into the pool domain's typed errors.
 *
 * @notes
 * - Every transfer carries the caller's Reference; the custody service treats a repeated
 *   reference as a replay and returns the original receipt.
 */
package custodyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/custody"
	"github.com/ajo/pool-service/internal/domain"
)

// Client is a client for the custody API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new custody API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var _ custody.Custodian = (*Client)(nil)

// ErrorResponse represents an error from the custody API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("custody api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("custody api error (status %d)", e.StatusCode)
}

// Unwrap exposes the matching domain error so callers can use errors.Is.
func (e *ErrorResponse) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	switch e.Errors[0].Code {
	case "insufficient_funds":
		return domain.ErrInsufficientFunds
	case "token_account_not_found":
		return domain.ErrTokenAccountNotFound
	case "token_account_mismatch":
		return domain.ErrTokenAccountMismatch
	case "invalid_authority":
		return domain.ErrInvalidAuthority
	default:
		return nil
	}
}

type provisionVaultRequest struct {
	Vault string `json:"vault"`
	Mint  string `json:"mint,omitempty"`
}

type vaultResponse struct {
	Data struct {
		Vault        string `json:"vault"`
		TokenAccount string `json:"token_account,omitempty"`
	} `json:"data"`
}

type receiptResponse struct {
	Data custody.Receipt `json:"data"`
}

type balanceResponse struct {
	Data struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	} `json:"data"`
}

// ProvisionVault asks the custody service to open the vault account, plus its token account
// when mint is set.
func (c *Client) ProvisionVault(ctx context.Context, vault solana.PublicKey, mint *solana.PublicKey) (custody.VaultAccount, error) {
	payload := provisionVaultRequest{Vault: vault.String()}
	if mint != nil {
		payload.Mint = mint.String()
	}

	var resp vaultResponse
	if err := c.do(ctx, "provision_vault", http.MethodPost, "/v1/vaults", payload, &resp); err != nil {
		return custody.VaultAccount{}, err
	}

	account := custody.VaultAccount{Vault: vault}
	if resp.Data.TokenAccount != "" {
		tokenAccount, err := solana.PublicKeyFromBase58(resp.Data.TokenAccount)
		if err != nil {
			return custody.VaultAccount{}, fmt.Errorf("failed to decode vault token account: %w", err)
		}
		account.TokenAccount = &tokenAccount
	}
	return account, nil
}

// TransferNative moves native units between system accounts.
func (c *Client) TransferNative(ctx context.Context, transfer custody.NativeTransfer) (custody.Receipt, error) {
	var resp receiptResponse
	if err := c.do(ctx, "transfer_native", http.MethodPost, "/v1/transfers/native", transfer, &resp); err != nil {
		return custody.Receipt{}, err
	}
	return resp.Data, nil
}

// TransferToken moves token units between token accounts of one mint. The custody service
// rejects the transfer with token_account_mismatch unless the destination is owned by
// transfer.DestinationOwner, so an unnamed owner is refused before any request is made.
func (c *Client) TransferToken(ctx context.Context, transfer custody.TokenTransfer) (custody.Receipt, error) {
	if transfer.DestinationOwner.IsZero() {
		return custody.Receipt{}, domain.ErrTokenAccountMismatch
	}
	var resp receiptResponse
	if err := c.do(ctx, "transfer_token", http.MethodPost, "/v1/transfers/token", transfer, &resp); err != nil {
		return custody.Receipt{}, err
	}
	return resp.Data, nil
}

// Balance fetches the authoritative balance of account.
func (c *Client) Balance(ctx context.Context, account solana.PublicKey, mint *solana.PublicKey) (int64, error) {
	path := "/v1/balances/" + account.String()
	if mint != nil {
		path += "?" + url.Values{"mint": {mint.String()}}.Encode()
	}

	var resp balanceResponse
	if err := c.do(ctx, "get_balance", http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Data.Amount, nil
}

// do is a generic helper function to execute custody requests.
func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-custody-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=custody_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=custody_client op=%s status=%d code=%q detail=%q", op, resp.StatusCode, firstErrorCode(errResp), firstErrorDetail(errResp))
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func firstErrorCode(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Code
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
