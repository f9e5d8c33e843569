package resource

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Slot is a named vector of resource quantities, e.g.
// {"cpu": 4, "mem": 16384, "cuda.device": 2}.
// A key absent from a Slot is treated as zero in all arithmetic.
//
// Slots are only partially ordered: two arbitrary slots need not be
// comparable. Callers must never sort slots directly; ordering decisions go
// through scalar projections (see the fair-share scoring).
type Slot map[string]decimal.Decimal

func Zero() Slot {
	return Slot{}
}

// FromInts is a convenience constructor used mostly in tests and defaults.
func FromInts(quantities map[string]int64) Slot {
	s := make(Slot, len(quantities))
	for k, v := range quantities {
		s[k] = decimal.NewFromInt(v)
	}
	return s
}

func (a Slot) DeepCopy() Slot {
	result := make(Slot, len(a))
	for key, value := range a {
		result[key] = value
	}
	return result
}

// Add adds b into a, mutating a.
func (a Slot) Add(b Slot) {
	for k, v := range b {
		existing, ok := a[k]
		if ok {
			a[k] = existing.Add(v)
		} else {
			a[k] = v
		}
	}
}

// Sub subtracts b from a, mutating a. Dimensions that would become negative
// are clamped to zero; the clamped keys are returned so callers can surface
// the discrepancy instead of silently carrying negative capacity.
func (a Slot) Sub(b Slot) []string {
	var clamped []string
	for k, v := range b {
		result := a.Get(k).Sub(v)
		if result.IsNegative() {
			clamped = append(clamped, k)
			result = decimal.Zero
		}
		a[k] = result
	}
	return clamped
}

// Get returns the quantity for key k, zero if absent.
func (a Slot) Get(k string) decimal.Decimal {
	if v, ok := a[k]; ok {
		return v
	}
	return decimal.Zero
}

// FitsIn reports whether every dimension of the request a is satisfiable by
// available. Dimensions missing from available count as zero capacity, so a
// request for a slot kind the other side has never heard of does not fit.
func (a Slot) FitsIn(available Slot) bool {
	for k, requested := range a {
		if requested.GreaterThan(available.Get(k)) {
			return false
		}
	}
	return true
}

// LessOrEqual compares element-wise over the union of keys.
func (a Slot) LessOrEqual(b Slot) bool {
	for k, v := range a {
		if v.GreaterThan(b.Get(k)) {
			return false
		}
	}
	return true
}

// Equal treats missing keys as zero, so {"cpu": 0} equals {}.
func (a Slot) Equal(b Slot) bool {
	for k, v := range a {
		if !v.Equal(b.Get(k)) {
			return false
		}
	}
	for k, v := range b {
		if !v.Equal(a.Get(k)) {
			return false
		}
	}
	return true
}

func (a Slot) IsZero() bool {
	for _, v := range a {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

func (a Slot) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(a[k].String())
	}
	return sb.String()
}
