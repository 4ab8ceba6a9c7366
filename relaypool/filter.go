package relaypool

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Filter is one set of named constraints inside a REQ. Array-valued
// constraints match any listed value; Since/Until bound event timestamps;
// Limit caps the number of stored results the relay returns for this filter.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
	Search  string
}

// MarshalJSON renders the filter as the wire object. Tag constraints keep
// their "#x" keys; encoding/json sorts map keys, so output is deterministic.
func (filter Filter) MarshalJSON() ([]byte, error) {
	object := make(map[string]interface{})

	if len(filter.IDs) > 0 {
		object["ids"] = filter.IDs
	}
	if len(filter.Authors) > 0 {
		object["authors"] = filter.Authors
	}
	if len(filter.Kinds) > 0 {
		object["kinds"] = filter.Kinds
	}
	for key, values := range filter.Tags {
		if len(values) == 0 {
			continue
		}
		if !strings.HasPrefix(key, "#") {
			key = "#" + key
		}
		object[key] = values
	}
	if filter.Since != nil {
		object["since"] = *filter.Since
	}
	if filter.Until != nil {
		object["until"] = *filter.Until
	}
	if filter.Limit > 0 {
		object["limit"] = filter.Limit
	}
	if filter.Search != "" {
		object["search"] = filter.Search
	}

	return json.Marshal(object)
}

// HasLimit reports whether the filter carries a result-count limit. Limited
// filters are never merged with others and make coalescing unsafe past a
// small batch.
func (filter Filter) HasLimit() bool {
	return filter.Limit > 0
}

// constraintKeys returns the sorted constraint names present on the filter.
func (filter Filter) constraintKeys() []string {
	keys := make([]string, 0, 6+len(filter.Tags))
	if len(filter.IDs) > 0 {
		keys = append(keys, "ids")
	}
	if len(filter.Authors) > 0 {
		keys = append(keys, "authors")
	}
	if len(filter.Kinds) > 0 {
		keys = append(keys, "kinds")
	}
	for key := range filter.Tags {
		if len(filter.Tags[key]) > 0 {
			keys = append(keys, tagKey(key))
		}
	}
	if filter.Since != nil {
		keys = append(keys, "since")
	}
	if filter.Until != nil {
		keys = append(keys, "until")
	}
	if filter.Limit > 0 {
		keys = append(keys, "limit")
	}
	if filter.Search != "" {
		keys = append(keys, "search")
	}
	sort.Strings(keys)
	return keys
}

func tagKey(key string) string {
	if strings.HasPrefix(key, "#") {
		return key
	}
	return "#" + key
}

func (filter Filter) constraintValues(key string) []string {
	switch key {
	case "ids":
		return filter.IDs
	case "authors":
		return filter.Authors
	case "kinds":
		values := make([]string, len(filter.Kinds))
		for index, kind := range filter.Kinds {
			values[index] = strconv.Itoa(kind)
		}
		return values
	case "since":
		return []string{strconv.FormatInt(*filter.Since, 10)}
	case "until":
		return []string{strconv.FormatInt(*filter.Until, 10)}
	case "limit":
		return []string{strconv.Itoa(filter.Limit)}
	case "search":
		return []string{filter.Search}
	}
	for tagName, values := range filter.Tags {
		if tagKey(tagName) == key {
			return values
		}
	}
	return nil
}

// fingerprint builds a canonical, order-independent identity string for a
// filter set. Time-bound keys keep their values verbatim because merging
// differing bounds is unsafe; every other array-valued key is treated as a
// de-duplicated set. Filter sets sharing a fingerprint (and close-on-eose
// flag) may share one wire REQ.
func fingerprint(filters []Filter, closeOnEose bool) string {
	parts := make([]string, 0, len(filters))

	for _, filter := range filters {
		keyParts := make([]string, 0, 8)
		for _, key := range filter.constraintKeys() {
			values := filter.constraintValues(key)
			switch key {
			case "since", "until", "limit", "search":
				keyParts = append(keyParts, key+":"+values[0])
			default:
				set := append([]string(nil), values...)
				sort.Strings(set)
				set = dedupSorted(set)
				keyParts = append(keyParts, key+":"+strings.Join(set, ","))
			}
		}
		parts = append(parts, strings.Join(keyParts, ";"))
	}
	sort.Strings(parts)

	joined := strings.Join(parts, "|")
	if closeOnEose {
		return joined + "+coe"
	}
	return joined
}

func dedupSorted(values []string) []string {
	if len(values) < 2 {
		return values
	}
	out := values[:1]
	for _, value := range values[1:] {
		if value != out[len(out)-1] {
			out = append(out, value)
		}
	}
	return out
}

// mergeFilters compiles the filter lists of all attached items into the list
// actually sent on the wire. Lists of equal arity merge positionally;
// limit-carrying filters are kept as separate unmerged entries since relays
// honor bounded result counts per filter. Mixed arities fall back to plain
// concatenation.
func mergeFilters(filterLists [][]Filter) []Filter {
	if len(filterLists) == 0 {
		return nil
	}
	if len(filterLists) == 1 {
		return append([]Filter(nil), filterLists[0]...)
	}

	arity := len(filterLists[0])
	uniform := true
	for _, list := range filterLists[1:] {
		if len(list) != arity {
			uniform = false
			break
		}
	}

	if !uniform {
		var merged []Filter
		for _, list := range filterLists {
			merged = append(merged, list...)
		}
		return merged
	}

	merged := make([]Filter, 0, arity)
	for position := 0; position < arity; position++ {
		var limited []Filter
		var mergeable []Filter
		for _, list := range filterLists {
			filter := list[position]
			if filter.HasLimit() {
				limited = append(limited, filter)
			} else {
				mergeable = append(mergeable, filter)
			}
		}
		if len(mergeable) > 0 {
			merged = append(merged, mergeFilterGroup(mergeable))
		}
		merged = append(merged, limited...)
	}
	return merged
}

// mergeFilterGroup unions array-valued constraints and overwrites scalar
// constraints with the last value seen. Callers owning time-bound filters
// must not share a wire REQ with differing bounds; fingerprinting keeps bound
// values verbatim, which enforces that upstream.
func mergeFilterGroup(filters []Filter) Filter {
	merged := Filter{}
	for _, filter := range filters {
		merged.IDs = unionStrings(merged.IDs, filter.IDs)
		merged.Authors = unionStrings(merged.Authors, filter.Authors)
		merged.Kinds = unionInts(merged.Kinds, filter.Kinds)
		for key, values := range filter.Tags {
			if len(values) == 0 {
				continue
			}
			if merged.Tags == nil {
				merged.Tags = make(map[string][]string)
			}
			merged.Tags[key] = unionStrings(merged.Tags[key], values)
		}
		if filter.Since != nil {
			since := *filter.Since
			merged.Since = &since
		}
		if filter.Until != nil {
			until := *filter.Until
			merged.Until = &until
		}
		if filter.Search != "" {
			merged.Search = filter.Search
		}
	}
	return merged
}

func unionStrings(existing []string, extra []string) []string {
	if len(extra) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(extra))
	for _, value := range existing {
		seen[value] = struct{}{}
	}
	for _, value := range extra {
		if _, dup := seen[value]; !dup {
			seen[value] = struct{}{}
			existing = append(existing, value)
		}
	}
	return existing
}

func unionInts(existing []int, extra []int) []int {
	if len(extra) == 0 {
		return existing
	}
	seen := make(map[int]struct{}, len(existing)+len(extra))
	for _, value := range existing {
		seen[value] = struct{}{}
	}
	for _, value := range extra {
		if _, dup := seen[value]; !dup {
			seen[value] = struct{}{}
			existing = append(existing, value)
		}
	}
	return existing
}
