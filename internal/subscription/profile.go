// Package subscription translates abstract stream requests into exchange
// stream names and combined URLs, and tracks per-stream lifecycle.
package subscription

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// StreamParams carries optional exchange stream parameters.
type StreamParams struct {
	DepthLevels   int
	UpdateSpeedMs int
}

// StreamRequest identifies one abstract subscription target.
type StreamRequest struct {
	Symbol string
	Type   schema.DataType
	Params StreamParams
}

// Profile encapsulates the exchange-specific stream naming rules.
type Profile interface {
	Name() string
	StreamName(req StreamRequest) (string, error)
	ParseStreamName(name string) (StreamRequest, error)
	MaxStreams() int
}

// streamNamePattern is the wire-level shape every combined stream name must match.
var streamNamePattern = regexp.MustCompile(`^[a-z0-9]+@[a-z0-9_]+(@[0-9]+ms)?$`)

// ValidStreamName reports whether name matches the combined stream grammar.
func ValidStreamName(name string) bool {
	return streamNamePattern.MatchString(name)
}

// URLOptions tune combined URL construction.
type URLOptions struct {
	// MaxStreams caps the deduplicated stream count; <=0 uses DefaultMaxStreams.
	MaxStreams int
	// EncodeComponents escapes each stream name as a URI component.
	EncodeComponents bool
}

// DefaultMaxStreams is the Binance per-connection stream cap.
const DefaultMaxStreams = 1024

// BuildCombinedStreamURL joins the streams into an exchange combined-stream
// URL of the form <base>/stream?streams=<s1>/<s2>/... Deduplicates while
// preserving first-seen order and enforces the stream cap.
func BuildCombinedStreamURL(streams []string, baseURL string, opts URLOptions) (string, error) {
	if len(streams) == 0 {
		return "", errs.New("subscription/url", errs.KindInvalidArgument,
			errs.WithMessage("at least one stream required"))
	}
	maxStreams := opts.MaxStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreams
	}

	unique := Deduplicate(streams)
	for _, name := range unique {
		if !ValidStreamName(name) {
			return "", errs.New("subscription/url", errs.KindInvalidArgument,
				errs.WithField(name), errs.WithMessage("invalid stream name"))
		}
	}
	if len(unique) > maxStreams {
		return "", errs.New("subscription/url", errs.KindTooManyStreams,
			errs.WithCode(len(unique)),
			errs.WithMessage("combined stream count exceeds per-connection limit"))
	}

	if opts.EncodeComponents {
		encoded := make([]string, len(unique))
		for i, name := range unique {
			encoded[i] = url.QueryEscape(name)
		}
		unique = encoded
	}

	base := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return base + "/stream?streams=" + strings.Join(unique, "/"), nil
}

// Deduplicate removes repeated names preserving first-seen order.
func Deduplicate(streams []string) []string {
	seen := make(map[string]struct{}, len(streams))
	out := make([]string, 0, len(streams))
	for _, name := range streams {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Stats summarises a set of stream names.
type Stats struct {
	Total      int
	ByType     map[string]int
	BySymbol   map[string]int
	Duplicates []string
}

// ComputeStats inspects the given names with the profile's parser. Names the
// profile cannot parse are counted under type "unknown".
func ComputeStats(profile Profile, names []string) Stats {
	stats := Stats{
		Total:    len(names),
		ByType:   make(map[string]int),
		BySymbol: make(map[string]int),
	}
	counts := make(map[string]int, len(names))
	for _, name := range names {
		counts[name]++
		req, err := profile.ParseStreamName(name)
		if err != nil {
			stats.ByType["unknown"]++
			continue
		}
		stats.ByType[string(req.Type)]++
		stats.BySymbol[req.Symbol]++
	}
	for _, name := range Deduplicate(names) {
		if counts[name] >= 2 {
			stats.Duplicates = append(stats.Duplicates, name)
		}
	}
	return stats
}
