package binance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// metadataSource is stamped on every record this parser emits.
const metadataSource = "exchange-collector"

// Parser normalises Binance combined-stream frames into canonical MarketData.
type Parser struct {
	exchange string
	clock    func() time.Time
}

// NewParser creates a Binance frame parser.
func NewParser(clock func() time.Time) *Parser {
	if clock == nil {
		clock = time.Now
	}
	return &Parser{exchange: ExchangeName, clock: clock}
}

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Parse converts one websocket frame into a canonical record. Frames that are
// not combined-stream envelopes are rejected; unknown event types return an
// error recognisable via errs.IsUnknownEvent.
func (p *Parser) Parse(frame []byte) (*schema.MarketData, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	if envelope.Stream == "" || len(envelope.Data) == 0 {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("frame is not a combined-stream envelope"))
	}

	// Both "e" and "E" must be tagged so the decoder matches each key
	// exactly; with only "e" present, "E" (a number) can bind to it
	// case-insensitively and fail the unmarshal.
	var meta struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(envelope.Data, &meta); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("malformed envelope data"), errs.WithCause(err))
	}
	eventType := meta.EventType
	if eventType == "" {
		eventType = inferEventType(envelope.Stream)
	}

	received := p.clock().UTC()
	var (
		record *schema.MarketData
		err    error
	)
	switch eventType {
	case "trade":
		record, err = p.parseTrade(envelope.Data)
	case "aggTrade":
		record, err = p.parseAggTrade(envelope.Data)
	case "24hrTicker":
		record, err = p.parseTicker(envelope.Data)
	case "kline":
		record, err = p.parseKline(envelope.Data)
	case "depthUpdate":
		record, err = p.parseDepthUpdate(envelope.Data)
	case "partialDepth":
		record, err = p.parsePartialDepth(envelope.Stream, envelope.Data, received)
	default:
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithField(errs.FieldUnknownEvent),
			errs.WithMessage(fmt.Sprintf("unsupported event type %q", eventType)))
	}
	if err != nil {
		return nil, err
	}

	record.Exchange = p.exchange
	record.ReceivedTimestamp = received.UnixMilli()
	record.Tag("source", metadataSource)
	record.Tag("quality", formatQuality(qualityScore(record)))
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

func inferEventType(stream string) string {
	stream = strings.ToLower(stream)
	switch {
	case strings.Contains(stream, "@aggtrade"):
		return "aggTrade"
	case strings.Contains(stream, "@trade"):
		return "trade"
	case strings.Contains(stream, "@ticker"):
		return "24hrTicker"
	case strings.Contains(stream, "@kline"):
		return "kline"
	case strings.Contains(stream, "@depth"):
		// Partial depth snapshots carry no event type field at all.
		return "partialDepth"
	default:
		return ""
	}
}

type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (p *Parser) parseTrade(data []byte) (*schema.MarketData, error) {
	var evt tradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("decode trade"), errs.WithCause(err))
	}
	price, err := parseDecimal("price", evt.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal("quantity", evt.Quantity)
	if err != nil {
		return nil, err
	}
	side := schema.TradeSideBuy
	if evt.IsBuyerMaker {
		side = schema.TradeSideSell
	}
	record := &schema.MarketData{
		Symbol:         CanonicalSymbol(evt.Symbol),
		Type:           schema.DataTypeTrade,
		EventTimestamp: evt.EventTime,
		Payload: schema.TradePayload{
			ID:        strconv.FormatInt(evt.TradeID, 10),
			Price:     price,
			Quantity:  qty,
			Side:      side,
			Timestamp: evt.TradeTime,
		},
	}
	record.Tag("sequence", strconv.FormatInt(evt.TradeID, 10))
	return record, nil
}

type aggTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (p *Parser) parseAggTrade(data []byte) (*schema.MarketData, error) {
	var evt aggTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("decode agg trade"), errs.WithCause(err))
	}
	price, err := parseDecimal("price", evt.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal("quantity", evt.Quantity)
	if err != nil {
		return nil, err
	}
	side := schema.TradeSideBuy
	if evt.IsBuyerMaker {
		side = schema.TradeSideSell
	}
	record := &schema.MarketData{
		Symbol:         CanonicalSymbol(evt.Symbol),
		Type:           schema.DataTypeTrade,
		EventTimestamp: evt.EventTime,
		Payload: schema.TradePayload{
			ID:        strconv.FormatInt(evt.AggTradeID, 10),
			Price:     price,
			Quantity:  qty,
			Side:      side,
			Timestamp: evt.TradeTime,
		},
	}
	record.Tag("sequence", strconv.FormatInt(evt.AggTradeID, 10))
	return record, nil
}

type tickerEvent struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	BidPrice    string `json:"b"`
	AskPrice    string `json:"a"`
	Volume      string `json:"v"`
	PriceChange string `json:"p"`
}

func (p *Parser) parseTicker(data []byte) (*schema.MarketData, error) {
	var evt tickerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("decode ticker"), errs.WithCause(err))
	}
	payload := schema.TickerPayload{Timestamp: evt.EventTime}
	var err error
	if payload.LastPrice, err = parseDecimal("last_price", evt.LastPrice); err != nil {
		return nil, err
	}
	if payload.BidPrice, err = optionalDecimal(evt.BidPrice); err != nil {
		return nil, err
	}
	if payload.AskPrice, err = optionalDecimal(evt.AskPrice); err != nil {
		return nil, err
	}
	if payload.Volume24h, err = optionalDecimal(evt.Volume); err != nil {
		return nil, err
	}
	if payload.PriceChange, err = optionalDecimal(evt.PriceChange); err != nil {
		return nil, err
	}
	return &schema.MarketData{
		Symbol:         CanonicalSymbol(evt.Symbol),
		Type:           schema.DataTypeTicker,
		EventTimestamp: evt.EventTime,
		Payload:        payload,
	}, nil
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (p *Parser) parseKline(data []byte) (*schema.MarketData, error) {
	var evt klineEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("decode kline"), errs.WithCause(err))
	}
	typ, ok := schema.KlineType(evt.Kline.Interval)
	if !ok {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithField(errs.FieldUnknownEvent),
			errs.WithMessage(fmt.Sprintf("kline interval %q has no canonical type", evt.Kline.Interval)))
	}
	payload := schema.KlinePayload{
		Interval:  evt.Kline.Interval,
		OpenTime:  evt.Kline.OpenTime,
		CloseTime: evt.Kline.CloseTime,
		Closed:    evt.Kline.Closed,
	}
	var err error
	if payload.Open, err = parseDecimal("open", evt.Kline.Open); err != nil {
		return nil, err
	}
	if payload.High, err = parseDecimal("high", evt.Kline.High); err != nil {
		return nil, err
	}
	if payload.Low, err = parseDecimal("low", evt.Kline.Low); err != nil {
		return nil, err
	}
	if payload.Close, err = parseDecimal("close", evt.Kline.Close); err != nil {
		return nil, err
	}
	if payload.Volume, err = optionalDecimal(evt.Kline.Volume); err != nil {
		return nil, err
	}
	return &schema.MarketData{
		Symbol:         CanonicalSymbol(evt.Symbol),
		Type:           typ,
		EventTimestamp: evt.EventTime,
		Payload:        payload,
	}, nil
}

type depthUpdateEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func (p *Parser) parseDepthUpdate(data []byte) (*schema.MarketData, error) {
	var evt depthUpdateEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("decode depth update"), errs.WithCause(err))
	}
	bids, err := parseLevels("bids", evt.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels("asks", evt.Asks)
	if err != nil {
		return nil, err
	}
	record := &schema.MarketData{
		Symbol:         CanonicalSymbol(evt.Symbol),
		Type:           schema.DataTypeDepth,
		EventTimestamp: evt.EventTime,
		Payload: schema.DepthPayload{
			Bids:          bids,
			Asks:          asks,
			FirstUpdateID: evt.FirstUpdateID,
			FinalUpdateID: evt.FinalUpdateID,
		},
	}
	record.Tag("sequence", strconv.FormatUint(evt.FinalUpdateID, 10))
	return record, nil
}

type partialDepthEvent struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (p *Parser) parsePartialDepth(stream string, data []byte, received time.Time) (*schema.MarketData, error) {
	var evt partialDepthEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("decode partial depth"), errs.WithCause(err))
	}
	bids, err := parseLevels("bids", evt.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels("asks", evt.Asks)
	if err != nil {
		return nil, err
	}
	symbol := CanonicalSymbol(strings.SplitN(stream, "@", 2)[0])
	record := &schema.MarketData{
		Symbol: symbol,
		Type:   schema.DataTypeOrderBook,
		// Partial depth snapshots carry no event time; receive time stands in.
		EventTimestamp: received.UnixMilli(),
		Payload: schema.DepthPayload{
			Bids:          bids,
			Asks:          asks,
			FinalUpdateID: evt.LastUpdateID,
			Snapshot:      true,
		},
	}
	record.Tag("sequence", strconv.FormatUint(evt.LastUpdateID, 10))
	return record, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, errs.New("binance/parser", errs.KindParse,
			errs.WithField(field), errs.WithMessage("missing numeric field"))
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errs.New("binance/parser", errs.KindParse,
			errs.WithField(field), errs.WithMessage("malformed numeric field"), errs.WithCause(err))
	}
	return d, nil
}

func optionalDecimal(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errs.New("binance/parser", errs.KindParse,
			errs.WithMessage("malformed numeric field"), errs.WithCause(err))
	}
	return d, nil
}

func parseLevels(field string, levels [][]string) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		price, err := parseDecimal(field, level[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(field, level[1])
		if err != nil {
			return nil, err
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// qualityScore grades a record: missing required fields cost 0.3 each, stale
// delivery costs 0.2 beyond 5s and 0.1 between 1s and 5s, floored at zero.
func qualityScore(record *schema.MarketData) float64 {
	score := 1.0
	score -= 0.3 * float64(missingRequiredFields(record))
	lag := record.ReceivedTimestamp - record.EventTimestamp
	switch {
	case lag > 5000:
		score -= 0.2
	case lag >= 1000:
		score -= 0.1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func missingRequiredFields(record *schema.MarketData) int {
	missing := 0
	switch payload := record.Payload.(type) {
	case schema.TradePayload:
		if payload.ID == "" {
			missing++
		}
		if payload.Price.IsZero() {
			missing++
		}
		if payload.Quantity.IsZero() {
			missing++
		}
	case schema.TickerPayload:
		if payload.LastPrice.IsZero() {
			missing++
		}
	case schema.KlinePayload:
		if payload.Open.IsZero() {
			missing++
		}
		if payload.Close.IsZero() {
			missing++
		}
	case schema.DepthPayload:
		if len(payload.Bids) == 0 && len(payload.Asks) == 0 {
			missing++
		}
	}
	return missing
}

func formatQuality(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}
