// Package sinks provides the delivery backends fed by the dataflow engine:
// pub/sub publishing, a recent-data cache, and websocket proxy fan-out.
package sinks

import (
	"strconv"

	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// DefaultTopicPrefix prefixes every published topic.
const DefaultTopicPrefix = "market"

// defaultSource stamps messages whose records carry no source tag.
const defaultSource = "exchange-collector"

// Topic derives the publish topic as <prefix>-<bucket>-<exchange>. Kline
// intervals collapse into one kline bucket and order book snapshots share
// the depth bucket.
func Topic(prefix string, record *schema.MarketData) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "-" + record.Type.Bucket() + "-" + record.Exchange
}

// OrderingKey groups records that must stay in publish order.
func OrderingKey(record *schema.MarketData) string {
	return record.Exchange + ":" + record.Symbol
}

// Attributes returns the message attributes attached to every publish:
// exchange, symbol, type, timestamp, and source.
func Attributes(record *schema.MarketData) map[string]string {
	source := record.Metadata["source"]
	if source == "" {
		source = defaultSource
	}
	return map[string]string{
		"exchange":  record.Exchange,
		"symbol":    record.Symbol,
		"type":      string(record.Type),
		"timestamp": strconv.FormatInt(record.EventTimestamp, 10),
		"source":    source,
	}
}
