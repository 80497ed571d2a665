package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// AssetClass partitions symbols into the three kinds the kernel trades.
type AssetClass int

const (
	Stock AssetClass = iota
	Crypto
	Option
)

func (a AssetClass) String() string {
	switch a {
	case Crypto:
		return "crypto"
	case Option:
		return "option"
	default:
		return "stock"
	}
}

// CryptoSigil prefixes crypto symbols, e.g. "@BTC". Crypto trades 24/7.
const CryptoSigil = '@'

// ClassOf classifies a symbol: a leading sigil means crypto, more than six
// base characters means an OCC-encoded option contract, anything else equity.
func ClassOf(symbol string) AssetClass {
	if symbol == "" {
		return Stock
	}
	if symbol[0] == CryptoSigil {
		return Crypto
	}
	if len(symbol) > 6 {
		return Option
	}
	return Stock
}

// BaseSymbol strips the crypto sigil, or extracts the root from an OCC
// symbol, yielding the underlying ticker.
func BaseSymbol(symbol string) string {
	switch ClassOf(symbol) {
	case Crypto:
		return symbol[1:]
	case Option:
		if occ, err := ParseOCC(symbol); err == nil {
			return occ.Root
		}
	}
	return symbol
}

// OptionType is the side of an option contract.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// OCC is a decoded option contract per the OCC symbology:
// ROOT (space-padded to 6) || YYMMDD || C|P || strike*1000 zero-padded to 8.
type OCC struct {
	Root       string
	Expiration time.Time
	Type       OptionType
	Strike     float64
}

const occLen = 6 + 6 + 1 + 8

// Symbol emits the bit-exact 21-character OCC encoding.
func (o OCC) Symbol() string {
	milli := int64(math.Round(o.Strike * 1000))
	return fmt.Sprintf("%-6s%s%s%08d", o.Root, o.Expiration.Format("060102"), o.Type, milli)
}

// ParseOCC decodes an OCC symbol; it round-trips any legal encoding.
func ParseOCC(symbol string) (OCC, error) {
	if len(symbol) != occLen {
		return OCC{}, fmt.Errorf("occ symbol %q: want %d chars, have %d", symbol, occLen, len(symbol))
	}
	root := strings.TrimRight(symbol[:6], " ")
	if root == "" {
		return OCC{}, fmt.Errorf("occ symbol %q: empty root", symbol)
	}
	exp, err := time.ParseInLocation("060102", symbol[6:12], time.UTC)
	if err != nil {
		return OCC{}, fmt.Errorf("occ symbol %q: bad expiration: %w", symbol, err)
	}
	var typ OptionType
	switch symbol[12] {
	case 'C':
		typ = Call
	case 'P':
		typ = Put
	default:
		return OCC{}, fmt.Errorf("occ symbol %q: type must be C or P", symbol)
	}
	milli, err := strconv.ParseInt(symbol[13:], 10, 64)
	if err != nil {
		return OCC{}, fmt.Errorf("occ symbol %q: bad strike: %w", symbol, err)
	}
	return OCC{Root: root, Expiration: exp, Type: typ, Strike: float64(milli) / 1000}, nil
}
