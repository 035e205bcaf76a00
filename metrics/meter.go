// Package metrics provides weighted running averages for training and
// validation statistics. A Meters bank accumulates per-batch metric maps
// weighted by batch size, so the final averages are exact over samples
// regardless of uneven batch sizes.
package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// Unset is the formatted placeholder for a metric a bank never saw.
// Validation and training banks can track different metric sets; readers
// get the placeholder instead of an error.
const Unset = "_"

// AverageMeter tracks a weighted running average of one metric.
type AverageMeter struct {
	sum float64
	cnt int
}

// Update folds in value with weight n. Updates with n <= 0 are ignored.
func (m *AverageMeter) Update(value float64, n int) {
	if n <= 0 {
		return
	}
	m.sum += value * float64(n)
	m.cnt += n
}

// Avg returns the running average, or 0 before any update.
func (m *AverageMeter) Avg() float64 {
	if m.cnt == 0 {
		return 0
	}
	return m.sum / float64(m.cnt)
}

// Sum returns the weighted sum accumulated so far.
func (m *AverageMeter) Sum() float64 { return m.sum }

// Count returns the total weight accumulated so far.
func (m *AverageMeter) Count() int { return m.cnt }

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	m.sum = 0
	m.cnt = 0
}

// Meters is an ordered bank of named AverageMeters. Keys keep their
// first-seen order; unseen keys in one UpdateDict call are appended in
// sorted order so the bank layout is deterministic across runs and ranks.
type Meters struct {
	keys []string
	data map[string]*AverageMeter
}

// NewMeters creates a bank, optionally pre-registering keys.
func NewMeters(keys ...string) *Meters {
	o := &Meters{data: make(map[string]*AverageMeter)}
	for _, k := range keys {
		o.meter(k)
	}
	return o
}

func (o *Meters) meter(key string) *AverageMeter {
	m, ok := o.data[key]
	if !ok {
		m = &AverageMeter{}
		o.data[key] = m
		o.keys = append(o.keys, key)
	}
	return m
}

// UpdateDict folds every entry of g into the bank with weight n.
func (o *Meters) UpdateDict(n int, g map[string]float64) {
	if n <= 0 {
		return
	}
	fresh := make([]string, 0, len(g))
	for k := range g {
		if _, ok := o.data[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	sort.Strings(fresh)
	for _, k := range fresh {
		o.meter(k)
	}
	for k, v := range g {
		o.data[k].Update(v, n)
	}
}

// Update folds a single value into the named meter with weight n.
func (o *Meters) Update(key string, value float64, n int) {
	o.meter(key).Update(value, n)
}

// Get returns the running average for key and whether the key exists.
func (o *Meters) Get(key string) (float64, bool) {
	m, ok := o.data[key]
	if !ok {
		return 0, false
	}
	return m.Avg(), true
}

// Format renders the running average for key with four decimals, or the
// Unset placeholder when the bank never saw the key.
func (o *Meters) Format(key string) string {
	m, ok := o.data[key]
	if !ok {
		return Unset
	}
	return fmt.Sprintf("%.4f", m.Avg())
}

// Keys returns the metric names in bank order.
func (o *Meters) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Len returns the number of metrics in the bank.
func (o *Meters) Len() int { return len(o.keys) }

// Averages returns a snapshot of all running averages.
func (o *Meters) Averages() map[string]float64 {
	out := make(map[string]float64, len(o.keys))
	for _, k := range o.keys {
		out[k] = o.data[k].Avg()
	}
	return out
}

// Totals returns the raw weighted sums and weights per key, the inputs a
// cross-rank reduction needs to rebuild exact global averages.
func (o *Meters) Totals() (sums map[string]float64, counts map[string]int) {
	sums = make(map[string]float64, len(o.keys))
	counts = make(map[string]int, len(o.keys))
	for _, k := range o.keys {
		sums[k] = o.data[k].sum
		counts[k] = o.data[k].cnt
	}
	return sums, counts
}

// SetTotals overwrites the accumulated sum and weight for key, registering
// it if needed. Used to install globally reduced totals.
func (o *Meters) SetTotals(key string, sum float64, cnt int) {
	m := o.meter(key)
	m.sum = sum
	m.cnt = cnt
}

// Reset clears every meter but keeps the key order.
func (o *Meters) Reset() {
	for _, k := range o.keys {
		o.data[k].Reset()
	}
}

// Message renders "key:avg" pairs in bank order with "loss" pulled to the
// front, the compact form shown as a progress-bar postfix.
func (o *Meters) Message() string {
	msgs := make([]string, 0, len(o.keys))
	for _, k := range o.keys {
		s := fmt.Sprintf("%s:%.4f", k, o.data[k].Avg())
		if k == "loss" {
			msgs = append([]string{s}, msgs...)
		} else {
			msgs = append(msgs, s)
		}
	}
	return strings.Join(msgs, " ")
}

// FormatAcross renders key across several banks as "key[v1;v2;…]", with the
// Unset placeholder for banks that never saw the key. Evaluation reports use
// it to show validation and training values side by side.
func FormatAcross(key string, banks ...*Meters) string {
	vals := make([]string, len(banks))
	for i, b := range banks {
		vals[i] = b.Format(key)
	}
	return fmt.Sprintf("%s[%s]", key, strings.Join(vals, ";"))
}

// UnionKeys returns the union of the banks' keys with primary first and the
// remaining keys sorted by name.
func UnionKeys(primary string, banks ...*Meters) []string {
	seen := map[string]bool{primary: true}
	rest := make([]string, 0)
	for _, b := range banks {
		for _, k := range b.keys {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	return append([]string{primary}, rest...)
}
