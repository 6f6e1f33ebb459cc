// Package schema defines the canonical market-data record and payload types.
package schema

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

// DataType enumerates canonical market-data categories.
type DataType string

const (
	// DataTypeTrade identifies individual trade executions.
	DataTypeTrade DataType = "trade"
	// DataTypeTicker identifies 24h rolling ticker summaries.
	DataTypeTicker DataType = "ticker"
	// DataTypeDepth identifies order book delta updates.
	DataTypeDepth DataType = "depth"
	// DataTypeOrderBook identifies full order book snapshots.
	DataTypeOrderBook DataType = "order_book"

	// DataTypeKline1m through DataTypeKline1d identify candlestick streams.
	DataTypeKline1m  DataType = "kline_1m"
	DataTypeKline5m  DataType = "kline_5m"
	DataTypeKline15m DataType = "kline_15m"
	DataTypeKline30m DataType = "kline_30m"
	DataTypeKline1h  DataType = "kline_1h"
	DataTypeKline4h  DataType = "kline_4h"
	DataTypeKline1d  DataType = "kline_1d"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+$`)

// IsKline reports whether the type is a candlestick variant.
func (t DataType) IsKline() bool {
	return strings.HasPrefix(string(t), "kline_")
}

// KlineInterval returns the interval suffix for kline types, or "" otherwise.
func (t DataType) KlineInterval() string {
	if !t.IsKline() {
		return ""
	}
	return strings.TrimPrefix(string(t), "kline_")
}

// Bucket collapses kline variants into a single topic bucket.
func (t DataType) Bucket() string {
	if t.IsKline() {
		return "kline"
	}
	if t == DataTypeOrderBook {
		return "depth"
	}
	return string(t)
}

// Valid reports whether the data type is a known canonical category.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeTrade, DataTypeTicker, DataTypeDepth, DataTypeOrderBook,
		DataTypeKline1m, DataTypeKline5m, DataTypeKline15m, DataTypeKline30m,
		DataTypeKline1h, DataTypeKline4h, DataTypeKline1d:
		return true
	default:
		return false
	}
}

// KlineType returns the canonical kline type for an interval, if supported.
func KlineType(interval string) (DataType, bool) {
	t := DataType("kline_" + strings.TrimSpace(interval))
	return t, t.Valid()
}

// MarketData is the canonical record produced by exchange normalizers.
type MarketData struct {
	Exchange          string            `json:"exchange"`
	Symbol            string            `json:"symbol"`
	Type              DataType          `json:"type"`
	EventTimestamp    int64             `json:"event_timestamp"`
	ReceivedTimestamp int64             `json:"received_timestamp"`
	Payload           Payload           `json:"payload"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Payload is implemented by the typed payload variant matching MarketData.Type.
type Payload interface {
	payloadType() DataType
}

// TradePayload represents an executed trade.
type TradePayload struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      TradeSide       `json:"side"`
	Timestamp int64           `json:"timestamp"`
}

// TradeSide captures the aggressor direction of a trade.
type TradeSide string

const (
	// TradeSideBuy indicates the buyer was the taker.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell indicates the seller was the taker.
	TradeSideSell TradeSide = "sell"
)

// TickerPayload conveys 24h rolling ticker statistics.
type TickerPayload struct {
	LastPrice   decimal.Decimal `json:"last_price"`
	BidPrice    decimal.Decimal `json:"bid_price"`
	AskPrice    decimal.Decimal `json:"ask_price"`
	Volume24h   decimal.Decimal `json:"volume_24h"`
	PriceChange decimal.Decimal `json:"price_change"`
	Timestamp   int64           `json:"timestamp"`
}

// KlinePayload conveys one candlestick.
type KlinePayload struct {
	Interval  string          `json:"interval"`
	OpenTime  int64           `json:"open_time"`
	CloseTime int64           `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}

// PriceLevel describes one order book price level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DepthPayload conveys order book bids and asks, delta or snapshot.
type DepthPayload struct {
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	FirstUpdateID uint64       `json:"first_update_id,omitempty"`
	FinalUpdateID uint64       `json:"final_update_id,omitempty"`
	Snapshot      bool         `json:"snapshot,omitempty"`
}

func (TradePayload) payloadType() DataType  { return DataTypeTrade }
func (TickerPayload) payloadType() DataType { return DataTypeTicker }
func (DepthPayload) payloadType() DataType  { return DataTypeDepth }
func (p KlinePayload) payloadType() DataType {
	if t, ok := KlineType(p.Interval); ok {
		return t
	}
	return ""
}

// maxEventLead bounds how far an event timestamp may trail the receive time
// before the validator rejects the record.
const maxEventLead = 5000 * time.Millisecond

// Validate checks the canonical invariants and returns a validation error
// naming the failing field.
func (m *MarketData) Validate() error {
	if m == nil {
		return errs.New("schema/marketdata", errs.KindValidation, errs.WithMessage("nil record"))
	}
	if strings.TrimSpace(m.Exchange) == "" || m.Exchange != strings.ToLower(m.Exchange) {
		return errs.New("schema/marketdata", errs.KindValidation,
			errs.WithField("exchange"), errs.WithMessage("exchange must be non-empty lowercase"))
	}
	if !symbolPattern.MatchString(m.Symbol) {
		return errs.New("schema/marketdata", errs.KindValidation,
			errs.WithField("symbol"), errs.WithMessage("symbol must match BASE/QUOTE"))
	}
	if !m.Type.Valid() {
		return errs.New("schema/marketdata", errs.KindValidation,
			errs.WithField("type"), errs.WithMessage("unknown data type"))
	}
	if m.EventTimestamp <= 0 {
		return errs.New("schema/marketdata", errs.KindValidation,
			errs.WithField("event_timestamp"), errs.WithMessage("event timestamp required"))
	}
	if m.ReceivedTimestamp < m.EventTimestamp-maxEventLead.Milliseconds() {
		return errs.New("schema/marketdata", errs.KindValidation,
			errs.WithField("received_timestamp"), errs.WithMessage("received before event by more than tolerance"))
	}
	if m.Payload == nil {
		return errs.New("schema/marketdata", errs.KindValidation,
			errs.WithField("payload"), errs.WithMessage("payload required"))
	}
	if pt := m.Payload.payloadType(); pt != m.Type && !(m.Type == DataTypeOrderBook && pt == DataTypeDepth) {
		return errs.New("schema/marketdata", errs.KindValidation,
			errs.WithField("payload"), errs.WithMessage("payload shape does not match type"))
	}
	return nil
}

// Tuple returns the ordering key (exchange, symbol, type) as a single string.
func (m *MarketData) Tuple() string {
	return m.Exchange + "|" + m.Symbol + "|" + string(m.Type)
}

// Tag records a metadata entry, allocating the map lazily.
func (m *MarketData) Tag(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, 4)
	}
	m.Metadata[key] = value
}

// Clone returns a deep copy of the record. Payload variants are value types,
// so a shallow copy of the payload is sufficient; metadata is copied.
func (m *MarketData) Clone() *MarketData {
	if m == nil {
		return nil
	}
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
