package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

const maxDecimals = 36

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrInvalidCurrency = errors.New("invalid currency configuration")
)

// ValidateCurrencies checks the symbol table once at startup so lookups during
// a poll cycle never need to re-validate addresses or precision.
func ValidateCurrencies(table models.CurrencyTable) error {
	if len(table) == 0 {
		return fmt.Errorf("%w: no currencies configured", ErrInvalidCurrency)
	}

	symbols := make([]string, 0, len(table))
	for symbol := range table {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	seen := make(map[string]string)
	native := ""
	for _, symbol := range symbols {
		c := table[symbol]
		if symbol == "" {
			return fmt.Errorf("%w: empty symbol", ErrInvalidCurrency)
		}
		if c.Decimals < 0 || c.Decimals > maxDecimals {
			return fmt.Errorf("%w: %s decimals %d out of range [0, %d]", ErrInvalidCurrency, symbol, c.Decimals, maxDecimals)
		}

		if c.Native {
			if native != "" {
				return fmt.Errorf("%w: %s and %s are both native", ErrInvalidCurrency, native, symbol)
			}
			native = symbol
			continue
		}

		if !common.IsHexAddress(c.Address) {
			return fmt.Errorf("%w: %s address %q is not a ledger address", ErrInvalidCurrency, symbol, c.Address)
		}
		addr := models.NormalizeAddress(c.Address)
		if other, dup := seen[addr]; dup {
			return fmt.Errorf("%w: %s and %s share contract %s", ErrInvalidCurrency, other, symbol, c.Address)
		}
		seen[addr] = symbol
	}
	return nil
}

// NormalizeCurrencies fills each entry's Symbol from its key and lower-cases
// contract addresses.
func NormalizeCurrencies(table models.CurrencyTable) models.CurrencyTable {
	out := make(models.CurrencyTable, len(table))
	for symbol, c := range table {
		c.Symbol = symbol
		if !c.Native {
			c.Address = models.NormalizeAddress(c.Address)
		} else {
			c.Address = ""
		}
		out[symbol] = c
	}
	return out
}
