package dataflow

import (
	"context"
	"strings"

	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// Transformer rewrites or filters records in the pipeline. Returning a nil
// record with a nil error filters the record out.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, record *schema.MarketData) (*schema.MarketData, error)
}

// TransformerFunc adapts a function into a named Transformer.
type TransformerFunc struct {
	TransformerName string
	Fn              func(ctx context.Context, record *schema.MarketData) (*schema.MarketData, error)
}

// Name implements Transformer.
func (t TransformerFunc) Name() string { return t.TransformerName }

// Transform implements Transformer.
func (t TransformerFunc) Transform(ctx context.Context, record *schema.MarketData) (*schema.MarketData, error) {
	return t.Fn(ctx, record)
}

// TypeFilter passes only the listed data type buckets.
func TypeFilter(buckets ...string) Transformer {
	allowed := make(map[string]struct{}, len(buckets))
	for _, bucket := range buckets {
		allowed[strings.ToLower(bucket)] = struct{}{}
	}
	return TransformerFunc{
		TransformerName: "type_filter",
		Fn: func(_ context.Context, record *schema.MarketData) (*schema.MarketData, error) {
			if _, ok := allowed[record.Type.Bucket()]; !ok {
				return nil, nil
			}
			return record, nil
		},
	}
}

// SymbolFilter passes only the listed symbols.
func SymbolFilter(symbols ...string) Transformer {
	allowed := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		allowed[strings.ToUpper(symbol)] = struct{}{}
	}
	return TransformerFunc{
		TransformerName: "symbol_filter",
		Fn: func(_ context.Context, record *schema.MarketData) (*schema.MarketData, error) {
			if _, ok := allowed[record.Symbol]; !ok {
				return nil, nil
			}
			return record, nil
		},
	}
}

// MetadataTagger stamps fixed metadata entries onto every record.
func MetadataTagger(tags map[string]string) Transformer {
	return TransformerFunc{
		TransformerName: "metadata_tagger",
		Fn: func(_ context.Context, record *schema.MarketData) (*schema.MarketData, error) {
			for key, value := range tags {
				record.Tag(key, value)
			}
			return record, nil
		},
	}
}
