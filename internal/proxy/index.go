package proxy

import (
	"strings"
	"sync"

	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

const wildcard = "*"

type filterSet map[string]struct{}

type clientFilter struct {
	clientID string
	filter   Filter
}

// SubscriptionIndex stores filters by id and reverse-indexes each non-empty
// dimension so matching a record costs a few map lookups instead of a scan.
// A client may hold any number of filters; each is removable on its own.
type SubscriptionIndex struct {
	mu         sync.RWMutex
	byExchange map[string]filterSet
	bySymbol   map[string]filterSet
	byType     map[string]filterSet
	filters    map[string]clientFilter
	byClient   map[string]filterSet
}

// NewSubscriptionIndex returns an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	idx := new(SubscriptionIndex)
	idx.byExchange = make(map[string]filterSet)
	idx.bySymbol = make(map[string]filterSet)
	idx.byType = make(map[string]filterSet)
	idx.filters = make(map[string]clientFilter)
	idx.byClient = make(map[string]filterSet)
	return idx
}

// Add registers a filter under filterID for the given client.
func (idx *SubscriptionIndex) Add(clientID, filterID string, filter Filter) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(filter.Exchanges) == 0 {
		addTo(idx.byExchange, wildcard, filterID)
	}
	for _, exchange := range filter.Exchanges {
		addTo(idx.byExchange, strings.ToLower(strings.TrimSpace(exchange)), filterID)
	}

	if len(filter.Symbols) == 0 {
		addTo(idx.bySymbol, wildcard, filterID)
	}
	for _, symbol := range filter.Symbols {
		addTo(idx.bySymbol, strings.ToUpper(symbol), filterID)
	}

	if len(filter.DataTypes) == 0 {
		addTo(idx.byType, wildcard, filterID)
	}
	for _, t := range filter.DataTypes {
		addTo(idx.byType, strings.ToLower(t), filterID)
	}

	idx.filters[filterID] = clientFilter{clientID: clientID, filter: filter}
	addTo(idx.byClient, clientID, filterID)
}

// RemoveFilter drops one filter. It reports false when the filter does not
// exist or belongs to a different client.
func (idx *SubscriptionIndex) RemoveFilter(clientID, filterID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	owner, ok := idx.filters[filterID]
	if !ok || owner.clientID != clientID {
		return false
	}
	idx.removeFilterLocked(clientID, filterID)
	return true
}

// RemoveClient drops every filter the client holds.
func (idx *SubscriptionIndex) RemoveClient(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for filterID := range idx.byClient[clientID] {
		idx.removeFilterLocked(clientID, filterID)
	}
}

// FilterCount returns the number of registered filters.
func (idx *SubscriptionIndex) FilterCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.filters)
}

// ClientCount returns the number of clients holding at least one filter.
func (idx *SubscriptionIndex) ClientCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byClient)
}

// Match returns the ids of clients with at least one filter covering the
// record. The smallest candidate set drives the intersection; survivors are
// verified in full before their client is included.
func (idx *SubscriptionIndex) Match(record *schema.MarketData) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	exchangeSet := union(idx.byExchange[strings.ToLower(record.Exchange)], idx.byExchange[wildcard])
	symbolSet := union(idx.bySymbol[record.Symbol], idx.bySymbol[wildcard])
	typeSet := union(
		union(idx.byType[string(record.Type)], idx.byType[record.Type.Bucket()]),
		idx.byType[wildcard])

	smallest, others := smallestOf(exchangeSet, symbolSet, typeSet)
	if len(smallest) == 0 {
		return nil
	}
	clients := make(map[string]struct{})
	for filterID := range smallest {
		ok := true
		for _, other := range others {
			if _, in := other[filterID]; !in {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		sub, exists := idx.filters[filterID]
		if exists && filterMatches(sub.filter, record) {
			clients[sub.clientID] = struct{}{}
		}
	}
	if len(clients) == 0 {
		return nil
	}
	matched := make([]string, 0, len(clients))
	for id := range clients {
		matched = append(matched, id)
	}
	return matched
}

// filterMatches checks every non-empty dimension against the record.
func filterMatches(filter Filter, record *schema.MarketData) bool {
	if len(filter.Exchanges) > 0 && !containsFold(filter.Exchanges, record.Exchange, strings.ToLower) {
		return false
	}
	if len(filter.Symbols) > 0 && !containsFold(filter.Symbols, record.Symbol, strings.ToUpper) {
		return false
	}
	if len(filter.DataTypes) > 0 {
		ok := false
		for _, t := range filter.DataTypes {
			t = strings.ToLower(t)
			if t == string(record.Type) || t == record.Type.Bucket() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func containsFold(values []string, target string, fold func(string) string) bool {
	target = fold(target)
	for _, v := range values {
		if fold(strings.TrimSpace(v)) == target {
			return true
		}
	}
	return false
}

func (idx *SubscriptionIndex) removeFilterLocked(clientID, filterID string) {
	delete(idx.filters, filterID)
	for _, dim := range []map[string]filterSet{idx.byExchange, idx.bySymbol, idx.byType} {
		for key, set := range dim {
			delete(set, filterID)
			if len(set) == 0 {
				delete(dim, key)
			}
		}
	}
	if owned := idx.byClient[clientID]; owned != nil {
		delete(owned, filterID)
		if len(owned) == 0 {
			delete(idx.byClient, clientID)
		}
	}
}

func addTo(dim map[string]filterSet, key, id string) {
	set, ok := dim[key]
	if !ok {
		set = make(filterSet)
		dim[key] = set
	}
	set[id] = struct{}{}
}

func union(a, b filterSet) filterSet {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make(filterSet, len(a)+len(b))
	for id := range a {
		out[id] = struct{}{}
	}
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}

func smallestOf(sets ...filterSet) (filterSet, []filterSet) {
	smallest := sets[0]
	idx := 0
	for i, set := range sets {
		if len(set) < len(smallest) {
			smallest = set
			idx = i
		}
	}
	others := make([]filterSet, 0, len(sets)-1)
	for i, set := range sets {
		if i != idx {
			others = append(others, set)
		}
	}
	return smallest, others
}
