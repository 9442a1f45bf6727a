package signals

import (
	"cmp"
	"slices"
	"time"
)

// #region batch

// Batch is an immutable, indexed view over one fetched set of records.
// Detectors share a Batch read-only.
type Batch struct {
	byKind    map[Kind][]Record
	customers map[string]Record
	active    map[string]Record
	usage     map[string][]usagePoint
}

type usagePoint struct {
	at    time.Time
	units float64
}

// NewBatch copies records into a deterministic order (kind, time, id) and
// builds the lookup indexes. Malformed reference records are left out of the
// indexes; detectors report them when they touch the record directly.
func NewBatch(records []Record) *Batch {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b Record) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			a.Timestamp.Compare(b.Timestamp),
			cmp.Compare(a.ID, b.ID),
		)
	})

	b := &Batch{
		byKind:    make(map[Kind][]Record),
		customers: make(map[string]Record),
		active:    make(map[string]Record),
		usage:     make(map[string][]usagePoint),
	}
	for _, r := range sorted {
		b.byKind[r.Kind] = append(b.byKind[r.Kind], r)
	}

	for _, r := range b.byKind[KindCustomer] {
		id := r.Raw("customer_id")
		if id == "" {
			continue
		}
		if _, seen := b.customers[id]; !seen {
			b.customers[id] = r
		}
	}

	for _, r := range b.byKind[KindSubscription] {
		cust := r.Raw("customer_id")
		if cust == "" || r.Raw("billing_status") != "active" {
			continue
		}
		prev, ok := b.active[cust]
		if !ok || laterSubscription(r, prev) {
			b.active[cust] = r
		}
	}

	for _, r := range b.byKind[KindUsage] {
		cust := r.Raw("customer_id")
		at, err := r.When("event_time")
		if cust == "" || err != nil {
			continue
		}
		units, err := r.Float("usage_units")
		if err != nil {
			continue
		}
		b.usage[cust] = append(b.usage[cust], usagePoint{at: at, units: units})
	}
	return b
}

func laterSubscription(a, b Record) bool {
	at, _ := a.When("start_date")
	bt, _ := b.When("start_date")
	if c := at.Compare(bt); c != 0 {
		return c > 0
	}
	return a.ID > b.ID
}

// #endregion batch

// #region accessors

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	n := 0
	for _, rs := range b.byKind {
		n += len(rs)
	}
	return n
}

// OfKind returns the records of kind k in batch order. The slice is a copy.
func (b *Batch) OfKind(k Kind) []Record {
	return slices.Clone(b.byKind[k])
}

// Customer looks up a customer record by id.
func (b *Batch) Customer(id string) (Record, bool) {
	r, ok := b.customers[id]
	return r, ok
}

// ActiveSubscription returns the most recent active subscription of a customer.
func (b *Batch) ActiveSubscription(customerID string) (Record, bool) {
	r, ok := b.active[customerID]
	return r, ok
}

// Usage sums usage units for a customer in the half-open window (from, to].
func (b *Batch) Usage(customerID string, from, to time.Time) float64 {
	var total float64
	for _, p := range b.usage[customerID] {
		if p.at.After(from) && !p.at.After(to) {
			total += p.units
		}
	}
	return total
}

// #endregion accessors
