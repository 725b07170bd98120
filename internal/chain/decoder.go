package chain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/events"
)

var (
	ErrUnknownEvent   = errors.New("chain: unknown event")
	ErrMalformedEvent = errors.New("chain: malformed event")
)

// DefaultDecimals is the token precision of amounts and prices.
const DefaultDecimals int32 = 18

// Decoder turns contract logs into typed events.
type Decoder struct {
	abi      abi.ABI
	decimals int32
	byID     map[common.Hash]string
}

// NewDecoder creates a decoder that scales uint256 values by 10^-decimals.
func NewDecoder(decimals int32) (*Decoder, error) {
	a, err := ContractABI()
	if err != nil {
		return nil, err
	}
	d := &Decoder{abi: a, decimals: decimals, byID: make(map[common.Hash]string)}
	for _, name := range []string{EventTradeExecuted, EventTokenMinted, EventAnomalyDetected, EventCircuitBreakerTriggered} {
		d.byID[a.Events[name].ID] = name
	}
	return d, nil
}

// Topics returns the event signatures the decoder understands, for use in a
// log filter.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.byID))
	for _, name := range []string{EventTradeExecuted, EventTokenMinted, EventAnomalyDetected, EventCircuitBreakerTriggered} {
		out = append(out, d.abi.Events[name].ID)
	}
	return out
}

// Decode converts one log. Removed (reorged) logs are rejected.
func (d *Decoder) Decode(l types.Log) (events.Event, error) {
	if l.Removed {
		return nil, fmt.Errorf("%w: log removed by reorg", ErrMalformedEvent)
	}
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedEvent)
	}
	name, ok := d.byID[l.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, l.Topics[0].Hex())
	}
	ev := d.abi.Events[name]

	fields := make(map[string]any)
	if err := d.abi.UnpackIntoMap(fields, name, l.Data); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, name, err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d indexed topics, got %d", ErrMalformedEvent, name, len(indexed), len(l.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrMalformedEvent, name, err)
	}

	meta := events.Meta{
		TxRef:    l.TxHash.Hex(),
		Block:    l.BlockNumber,
		LogIndex: l.Index,
		Contract: events.NormalizeAddress(l.Address.Hex()),
	}

	switch name {
	case EventTradeExecuted:
		return events.Trade{
			Meta:      meta,
			Buyer:     addr(fields["buyer"]),
			Seller:    addr(fields["seller"]),
			Amount:    d.scale(fields["amount"]),
			Price:     d.scale(fields["price"]),
			Timestamp: unixTime(fields["timestamp"]),
		}, nil
	case EventTokenMinted:
		return events.Mint{
			Meta:      meta,
			Producer:  addr(fields["producer"]),
			Amount:    d.scale(fields["amount"]),
			Timestamp: unixTime(fields["timestamp"]),
		}, nil
	case EventAnomalyDetected:
		typ, _ := fields["anomalyType"].(string)
		return events.Anomaly{
			Meta:      meta,
			Type:      typ,
			User:      addr(fields["user"]),
			Value:     d.scale(fields["value"]),
			Timestamp: unixTime(fields["timestamp"]),
		}, nil
	default:
		state, _ := fields["newState"].(uint8)
		reason, _ := fields["reason"].(string)
		return events.BreakerSignal{
			Meta:      meta,
			NewState:  state,
			Reason:    reason,
			Timestamp: unixTime(fields["timestamp"]),
		}, nil
	}
}

func (d *Decoder) scale(v any) decimal.Decimal {
	return ToDecimal(bigInt(v), d.decimals)
}

// ToDecimal converts base units to a token amount.
func ToDecimal(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// FromDecimal converts a token amount to base units, truncating extra precision.
func FromDecimal(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

func bigInt(v any) *big.Int {
	if b, ok := v.(*big.Int); ok {
		return b
	}
	return new(big.Int)
}

func addr(v any) string {
	a, _ := v.(common.Address)
	return events.NormalizeAddress(a.Hex())
}

func unixTime(v any) time.Time {
	b := bigInt(v)
	if !b.IsInt64() {
		return time.Time{}
	}
	return time.Unix(b.Int64(), 0).UTC()
}
