package domain

import (
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// CurrencyKind tags the Currency union.
type CurrencyKind string

const (
	CurrencyNative CurrencyKind = "native"
	CurrencyToken  CurrencyKind = "token"
)

// NativeDecimals is the number of decimals of the native unit (lamports per SOL).
const NativeDecimals = 9

const maxTokenDecimals = 18

// Currency is either the chain's native unit or a fungible token identified by its mint.
type Currency struct {
	Kind     CurrencyKind      `json:"kind"`
	Mint     *solana.PublicKey `json:"mint,omitempty"`
	Decimals int               `json:"decimals"`
}

// NativeCurrency returns the native currency descriptor.
func NativeCurrency() Currency {
	return Currency{Kind: CurrencyNative, Decimals: NativeDecimals}
}

// TokenCurrency returns a token currency descriptor for mint.
func TokenCurrency(mint solana.PublicKey, decimals int) Currency {
	return Currency{Kind: CurrencyToken, Mint: &mint, Decimals: decimals}
}

// IsToken reports whether transfers in this currency go through token accounts.
func (c Currency) IsToken() bool {
	return c.Kind == CurrencyToken
}

// MintKey returns the mint, or the zero key for native currency.
func (c Currency) MintKey() solana.PublicKey {
	if c.Mint == nil {
		return solana.PublicKey{}
	}
	return *c.Mint
}

// Validate rejects a token without a mint and a native currency carrying one.
func (c Currency) Validate() error {
	switch c.Kind {
	case CurrencyNative:
		if c.Mint != nil {
			return ErrInvalidCurrency
		}
		if c.Decimals != NativeDecimals {
			return ErrInvalidCurrency
		}
	case CurrencyToken:
		if c.Mint == nil || c.Mint.IsZero() {
			return ErrInvalidCurrency
		}
		if c.Decimals < 0 || c.Decimals > maxTokenDecimals {
			return ErrInvalidCurrency
		}
	default:
		return ErrInvalidCurrency
	}
	return nil
}

// FormatAmount renders an amount in smallest units as a decimal string in whole units.
func (c Currency) FormatAmount(amount int64) string {
	return decimal.New(amount, -int32(c.Decimals)).String()
}
