// Package accumulator implements the per-field merge algebra used when many
// contributions are folded into one aggregate document. Every accumulator is
// commutative and idempotent with respect to the set of (key, value) pairs it
// is fed: feeding the same pair twice, or feeding pairs in a different order,
// never changes the merged result, except where a capacity cap forces a
// documented, deterministic eviction.
package accumulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrDivergentValues reports a contract violation in SingleValueAccumulator:
// a field declared uniform across contributions was not. This indicates an
// upstream modeling bug, not bad input data.
var ErrDivergentValues = errors.New("accumulator: divergent values for single-valued field")

// Accumulator consumes a stream of (key, value) pairs and yields a merged
// value. The key identifies the underlying fact the value belongs to and is
// used for deduplication by the accumulators that need it; value-keyed
// accumulators ignore it. Nil values are ignored by every accumulator.
type Accumulator interface {
	Accumulate(key string, value any) error
	Get() any
}

// Factory builds a fresh accumulator for one field of one aggregation run.
// Accumulators are single-use.
type Factory func() Accumulator

// canonicalKey renders a value into a deterministic string usable as a map
// key. JSON marshaling sorts map keys, so structurally equal values share a
// key.
func canonicalKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// stringKey is canonicalKey except that plain strings map to themselves,
// which keeps histogram output human-readable.
func stringKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return canonicalKey(v)
}

// SetAccumulator merges into the set of distinct values seen, capped at
// maxSize. Values are retained in first-seen order up to the cap; the merged
// result is emitted sorted by canonical key so that permutations of the same
// uncapped input produce byte-identical output. Callers must not depend on
// which excess values are dropped, only on the cap and the deduplication.
type SetAccumulator struct {
	maxSize int
	seen    map[string]struct{}
	order   []any
}

func NewSet(maxSize int) *SetAccumulator {
	return &SetAccumulator{maxSize: maxSize, seen: make(map[string]struct{})}
}

func (a *SetAccumulator) Accumulate(_ string, value any) error {
	if value == nil {
		return nil
	}
	k := canonicalKey(value)
	if _, ok := a.seen[k]; ok {
		return nil
	}
	if a.maxSize > 0 && len(a.order) >= a.maxSize {
		return nil
	}
	a.seen[k] = struct{}{}
	a.order = append(a.order, value)
	return nil
}

func (a *SetAccumulator) Get() any {
	out := make([]any, len(a.order))
	copy(out, a.order)
	sort.Slice(out, func(i, j int) bool {
		return canonicalKey(out[i]) < canonicalKey(out[j])
	})
	return out
}

// ListAccumulator preserves insertion order and duplicates, capped at
// maxSize.
type ListAccumulator struct {
	maxSize int
	items   []any
}

func NewList(maxSize int) *ListAccumulator {
	return &ListAccumulator{maxSize: maxSize}
}

func (a *ListAccumulator) Accumulate(_ string, value any) error {
	if value == nil {
		return nil
	}
	if a.maxSize > 0 && len(a.items) >= a.maxSize {
		return nil
	}
	a.items = append(a.items, value)
	return nil
}

func (a *ListAccumulator) Get() any {
	out := make([]any, len(a.items))
	copy(out, a.items)
	return out
}

// SumAccumulator sums numeric values. It is not duplicate-safe on its own;
// wrap it in DistinctAccumulator when the same underlying fact can arrive
// from multiple bundles. The sum stays integral until a fractional value is
// seen.
type SumAccumulator struct {
	intSum   int64
	floatSum float64
	isFloat  bool
}

func NewSum() *SumAccumulator {
	return &SumAccumulator{}
}

func (a *SumAccumulator) Accumulate(_ string, value any) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case int:
		a.add(int64(v))
	case int32:
		a.add(int64(v))
	case int64:
		a.add(v)
	case float32:
		a.addFloat(float64(v))
	case float64:
		// JSON numbers decode as float64; keep integral sums integral.
		if v == float64(int64(v)) {
			a.add(int64(v))
		} else {
			a.addFloat(v)
		}
	default:
		return fmt.Errorf("accumulator: non-numeric value %T for sum", value)
	}
	return nil
}

func (a *SumAccumulator) add(v int64) {
	if a.isFloat {
		a.floatSum += float64(v)
		return
	}
	a.intSum += v
}

func (a *SumAccumulator) addFloat(v float64) {
	if !a.isFloat {
		a.isFloat = true
		a.floatSum = float64(a.intSum)
	}
	a.floatSum += v
}

func (a *SumAccumulator) Get() any {
	if a.isFloat {
		return a.floatSum
	}
	return a.intSum
}

// DistinctAccumulator de-duplicates by key before feeding the inner
// accumulator, so the same fact contributed by multiple bundles counts once.
type DistinctAccumulator struct {
	inner Accumulator
	seen  map[string]struct{}
}

func NewDistinct(inner Accumulator) *DistinctAccumulator {
	return &DistinctAccumulator{inner: inner, seen: make(map[string]struct{})}
}

func (a *DistinctAccumulator) Accumulate(key string, value any) error {
	if _, ok := a.seen[key]; ok {
		return nil
	}
	a.seen[key] = struct{}{}
	return a.inner.Accumulate(key, value)
}

func (a *DistinctAccumulator) Get() any {
	return a.inner.Get()
}

// FrequencySetAccumulator tracks a value to count histogram. When over
// capacity it evicts lowest-count entries first; among equal counts the
// latest first-seen entry goes first. The result is a map keyed by the
// value's string form.
type FrequencySetAccumulator struct {
	maxSize   int
	counts    map[string]int
	firstSeen map[string]int
	next      int
}

func NewFrequencySet(maxSize int) *FrequencySetAccumulator {
	return &FrequencySetAccumulator{
		maxSize:   maxSize,
		counts:    make(map[string]int),
		firstSeen: make(map[string]int),
	}
}

func (a *FrequencySetAccumulator) Accumulate(_ string, value any) error {
	if value == nil {
		return nil
	}
	k := stringKey(value)
	if _, ok := a.counts[k]; !ok {
		a.firstSeen[k] = a.next
		a.next++
	}
	a.counts[k]++
	return nil
}

func (a *FrequencySetAccumulator) Get() any {
	keys := make([]string, 0, len(a.counts))
	for k := range a.counts {
		keys = append(keys, k)
	}
	// Survivors are highest-count first, earliest-seen breaking ties.
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := a.counts[keys[i]], a.counts[keys[j]]
		if ci != cj {
			return ci > cj
		}
		return a.firstSeen[keys[i]] < a.firstSeen[keys[j]]
	})
	if a.maxSize > 0 && len(keys) > a.maxSize {
		keys = keys[:a.maxSize]
	}
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		out[k] = a.counts[k]
	}
	return out
}

// SetOfDictAccumulator is SetAccumulator for structured values, deduplicated
// by a caller-supplied structural key function rather than full equality.
type SetOfDictAccumulator struct {
	maxSize int
	keyFn   func(map[string]any) any
	seen    map[string]struct{}
	order   []map[string]any
	keys    []string
}

func NewSetOfDict(maxSize int, keyFn func(map[string]any) any) *SetOfDictAccumulator {
	return &SetOfDictAccumulator{
		maxSize: maxSize,
		keyFn:   keyFn,
		seen:    make(map[string]struct{}),
	}
}

func (a *SetOfDictAccumulator) Accumulate(_ string, value any) error {
	if value == nil {
		return nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("accumulator: non-dict value %T for set-of-dict", value)
	}
	k := canonicalKey(a.keyFn(m))
	if _, ok := a.seen[k]; ok {
		return nil
	}
	if a.maxSize > 0 && len(a.order) >= a.maxSize {
		return nil
	}
	a.seen[k] = struct{}{}
	a.order = append(a.order, m)
	a.keys = append(a.keys, k)
	return nil
}

func (a *SetOfDictAccumulator) Get() any {
	idx := make([]int, len(a.order))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return a.keys[idx[i]] < a.keys[idx[j]] })
	out := make([]any, 0, len(a.order))
	for _, i := range idx {
		out = append(out, a.order[i])
	}
	return out
}

// UniqueValueCountAccumulator yields the number of distinct values seen, not
// the values themselves.
type UniqueValueCountAccumulator struct {
	seen map[string]struct{}
}

func NewUniqueValueCount() *UniqueValueCountAccumulator {
	return &UniqueValueCountAccumulator{seen: make(map[string]struct{})}
}

func (a *UniqueValueCountAccumulator) Accumulate(_ string, value any) error {
	if value == nil {
		return nil
	}
	a.seen[canonicalKey(value)] = struct{}{}
	return nil
}

func (a *UniqueValueCountAccumulator) Get() any {
	return int64(len(a.seen))
}

// SingleValueAccumulator asserts that every contributed value is equal and
// returns it. Divergence fails loudly with ErrDivergentValues.
type SingleValueAccumulator struct {
	value any
	key   string
	set   bool
}

func NewSingleValue() *SingleValueAccumulator {
	return &SingleValueAccumulator{}
}

func (a *SingleValueAccumulator) Accumulate(_ string, value any) error {
	if value == nil {
		return nil
	}
	k := canonicalKey(value)
	if !a.set {
		a.value = value
		a.key = k
		a.set = true
		return nil
	}
	if a.key != k {
		return fmt.Errorf("%w: %s vs %s", ErrDivergentValues, a.key, k)
	}
	return nil
}

func (a *SingleValueAccumulator) Get() any {
	return a.value
}
