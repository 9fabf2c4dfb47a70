package models

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrAmountPrecision = errors.New("amount has more fractional digits than the currency supports")

// LedgerEvent is a single observed transfer. TokenContract is empty for
// native-asset transfers.
type LedgerEvent struct {
	From            string
	To              string
	Value           *big.Int
	TokenContract   string
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint
}

func (e LedgerEvent) IsNative() bool {
	return e.TokenContract == ""
}

// Ref identifies the event across poll cycles. A transaction may emit
// several token transfer logs, so the log index is part of the reference.
func (e LedgerEvent) Ref() string {
	if e.IsNative() {
		return e.TransactionHash
	}
	return fmt.Sprintf("%s:%d", e.TransactionHash, e.LogIndex)
}

// TransferBatch is the result of one ledger query for a (merchant, currency) pair.
type TransferBatch struct {
	Merchant  string
	Currency  string
	Head      uint64
	FromBlock uint64
	Events    []LedgerEvent
}

// Currency maps a symbol to the token contract and decimal precision used on the ledger.
type Currency struct {
	Symbol   string `mapstructure:"-"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
	Native   bool   `mapstructure:"native"`
}

// ToRaw converts a human-unit decimal amount into the currency's raw integer unit.
func (c Currency) ToRaw(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", amount)
	}
	raw := d.Shift(c.Decimals)
	if !raw.IsInteger() {
		return nil, fmt.Errorf("%w: %s %s", ErrAmountPrecision, amount, c.Symbol)
	}
	return raw.BigInt(), nil
}

// CurrencyTable is keyed by symbol.
type CurrencyTable map[string]Currency
