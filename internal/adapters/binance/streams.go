package binance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
	"github.com/Meteo-X/pixiu-sub007/internal/subscription"
)

const (
	// ExchangeName is the canonical lowercase exchange identifier.
	ExchangeName = "binance"
	// MaxStreamsPerConnection is the Binance combined-stream cap.
	MaxStreamsPerConnection = 1024
)

var (
	validDepthLevels = map[int]struct{}{5: {}, 10: {}, 20: {}}
	validSpeeds      = map[int]struct{}{100: {}, 1000: {}}
	validIntervals   = map[string]struct{}{
		"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
		"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
		"1d": {}, "3d": {}, "1w": {}, "1M": {},
	}
)

// Profile implements the Binance stream naming rules.
type Profile struct{}

// NewProfile returns the Binance subscription profile.
func NewProfile() Profile { return Profile{} }

// Name returns the exchange identifier.
func (Profile) Name() string { return ExchangeName }

// MaxStreams returns the per-connection combined stream cap.
func (Profile) MaxStreams() int { return MaxStreamsPerConnection }

// StreamName renders a stream request as <symbol>@<suffix>.
func (Profile) StreamName(req subscription.StreamRequest) (string, error) {
	sym := CompactSymbol(req.Symbol)
	if sym == "" {
		return "", errs.New("binance/streams", errs.KindInvalidArgument,
			errs.WithField("symbol"), errs.WithMessage("symbol required"))
	}

	switch {
	case req.Type == schema.DataTypeTrade:
		return sym + "@trade", nil
	case req.Type == schema.DataTypeTicker:
		return sym + "@ticker", nil
	case req.Type == schema.DataTypeDepth || req.Type == schema.DataTypeOrderBook:
		return depthStreamName(sym, req.Params)
	case req.Type.IsKline():
		interval := req.Type.KlineInterval()
		if _, ok := validIntervals[interval]; !ok {
			return "", errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("interval"), errs.WithMessage("unsupported kline interval"))
		}
		return sym + "@kline_" + interval, nil
	default:
		return "", errs.New("binance/streams", errs.KindInvalidArgument,
			errs.WithField("type"), errs.WithMessage(fmt.Sprintf("unsupported data type %s", req.Type)))
	}
}

func depthStreamName(sym string, params subscription.StreamParams) (string, error) {
	name := sym + "@depth"
	if params.DepthLevels != 0 {
		if _, ok := validDepthLevels[params.DepthLevels]; !ok {
			return "", errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("levels"), errs.WithMessage("depth levels must be 5, 10, or 20"))
		}
		name += strconv.Itoa(params.DepthLevels)
	}
	if params.UpdateSpeedMs != 0 {
		if _, ok := validSpeeds[params.UpdateSpeedMs]; !ok {
			return "", errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("speed"), errs.WithMessage("update speed must be 100 or 1000"))
		}
		name += "@" + strconv.Itoa(params.UpdateSpeedMs) + "ms"
	}
	return name, nil
}

// ParseStreamName recovers the stream request from a rendered stream name.
func (Profile) ParseStreamName(name string) (subscription.StreamRequest, error) {
	var req subscription.StreamRequest
	if !subscription.ValidStreamName(name) {
		return req, errs.New("binance/streams", errs.KindInvalidArgument,
			errs.WithField(name), errs.WithMessage("invalid stream name"))
	}
	parts := strings.SplitN(name, "@", 2)
	req.Symbol = CanonicalSymbol(parts[0])
	suffix := parts[1]

	switch {
	case suffix == "trade":
		req.Type = schema.DataTypeTrade
	case suffix == "ticker":
		req.Type = schema.DataTypeTicker
	case strings.HasPrefix(suffix, "kline_"):
		interval := strings.TrimPrefix(suffix, "kline_")
		typ, ok := schema.KlineType(interval)
		if !ok {
			return req, errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("interval"), errs.WithMessage("kline interval has no canonical type"))
		}
		req.Type = typ
	case strings.HasPrefix(suffix, "depth"):
		return parseDepthSuffix(req.Symbol, suffix)
	default:
		return req, errs.New("binance/streams", errs.KindInvalidArgument,
			errs.WithField(suffix), errs.WithMessage("unknown stream suffix"))
	}
	return req, nil
}

func parseDepthSuffix(symbol, suffix string) (subscription.StreamRequest, error) {
	req := subscription.StreamRequest{Symbol: symbol, Type: schema.DataTypeDepth}
	rest := strings.TrimPrefix(suffix, "depth")
	if rest == "" {
		return req, nil
	}
	if idx := strings.Index(rest, "@"); idx >= 0 {
		speedPart := strings.TrimSuffix(rest[idx+1:], "ms")
		speed, err := strconv.Atoi(speedPart)
		if err != nil {
			return req, errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("speed"), errs.WithMessage("malformed update speed"))
		}
		if _, ok := validSpeeds[speed]; !ok {
			return req, errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("speed"), errs.WithMessage("update speed must be 100 or 1000"))
		}
		req.Params.UpdateSpeedMs = speed
		rest = rest[:idx]
	}
	if rest != "" {
		levels, err := strconv.Atoi(rest)
		if err != nil {
			return req, errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("levels"), errs.WithMessage("malformed depth levels"))
		}
		if _, ok := validDepthLevels[levels]; !ok {
			return req, errs.New("binance/streams", errs.KindInvalidArgument,
				errs.WithField("levels"), errs.WithMessage("depth levels must be 5, 10, or 20"))
		}
		req.Params.DepthLevels = levels
	}
	return req, nil
}
