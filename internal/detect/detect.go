package detect

import (
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/signals"
)

// #region registry

// All returns one detector per anomaly type, in canonical type order.
func All(cfg Config) []Detector {
	return []Detector{
		duplicateRefund{},
		underbilling{cfg: cfg},
		tierMismatch{cfg: cfg},
		refundSpike{cfg: cfg},
		manualCredit{cfg: cfg},
	}
}

// scan wraps a detector body so a missing calibration record surfaces as a
// single error item instead of a panic.
func scan(
	typ anomaly.Type,
	snap anomaly.Snapshot,
	body func(cal anomaly.Calibration, yield func(anomaly.Evidence, error) bool),
) iter.Seq2[anomaly.Evidence, error] {
	return func(yield func(anomaly.Evidence, error) bool) {
		cal, err := snap.Get(typ)
		if err != nil {
			yield(anomaly.Evidence{}, err)
			return
		}
		body(cal, yield)
	}
}

// #endregion registry

// #region duplicate-refund

type duplicateRefund struct{}

func (duplicateRefund) Type() anomaly.Type { return anomaly.DuplicateRefund }

type refundRow struct {
	rec    signals.Record
	cust   string
	amount float64
	at     time.Time
}

// Detect clusters refunds of the same customer and amount. A cluster grows
// while each refund lands strictly less than threshold minutes after the
// previous one, so chained duplicates end up in one case.
func (d duplicateRefund) Detect(b *signals.Batch, snap anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error] {
	return scan(d.Type(), snap, func(cal anomaly.Calibration, yield func(anomaly.Evidence, error) bool) {
		window := time.Duration(cal.Threshold * float64(time.Minute))
		groups := map[string][]refundRow{}

		for _, r := range b.OfKind(signals.KindRefund) {
			row, err := readRefund(r)
			if err != nil {
				if !yield(anomaly.Evidence{}, err) {
					return
				}
				continue
			}
			key := fmt.Sprintf("%s|%d", row.cust, cents(row.amount))
			groups[key] = append(groups[key], row)
		}

		for _, key := range sortedKeys(groups) {
			rows := groups[key]
			slices.SortFunc(rows, func(a, b refundRow) int {
				if c := a.at.Compare(b.at); c != 0 {
					return c
				}
				return strings.Compare(a.rec.ID, b.rec.ID)
			})
			for i := 0; i < len(rows); {
				j := i + 1
				for j < len(rows) && rows[j].at.Sub(rows[j-1].at) < window {
					j++
				}
				if j-i >= 2 {
					if !yield(duplicateEvidence(b, rows[i:j], cal.Threshold), nil) {
						return
					}
				}
				i = j
			}
		}
	})
}

func readRefund(r signals.Record) (refundRow, error) {
	cust, err := r.String("customer_id")
	if err != nil {
		return refundRow{}, err
	}
	amount, err := r.Float("amount")
	if err != nil {
		return refundRow{}, err
	}
	at, err := r.When("refund_date")
	if err != nil {
		return refundRow{}, err
	}
	return refundRow{rec: r, cust: cust, amount: amount, at: at}, nil
}

func duplicateEvidence(b *signals.Batch, rows []refundRow, windowMinutes float64) anomaly.Evidence {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.rec.ID
	}
	spread := rows[len(rows)-1].at.Sub(rows[0].at)
	// the widest consecutive gap is the weakest link of the chain
	var gap time.Duration
	for i := 1; i < len(rows); i++ {
		gap = max(gap, rows[i].at.Sub(rows[i-1].at))
	}
	gapMinutes := math.Max(gap.Minutes(), 1)
	amount := rows[0].amount

	ent := customerEntities(b, rows[0].cust)
	if p := rows[0].rec.Raw("linked_payment_id"); p != "" {
		ent["payment_id"] = p
	}
	return anomaly.Evidence{
		Type:         anomaly.DuplicateRefund,
		RecordRefs:   sortedUnique(ids),
		RawMagnitude: round2(amount * float64(len(rows)-1)),
		Ratio:        windowMinutes / gapMinutes,
		Description: fmt.Sprintf("Refunds %s for customer %s: same amount $%.2f within %s (window %.0fm)",
			strings.Join(ids, ", "), rows[0].cust, amount, spread, windowMinutes),
		Entities: ent,
	}
}

// #endregion duplicate-refund

// #region underbilling

type underbilling struct {
	cfg Config
}

func (underbilling) Type() anomaly.Type { return anomaly.Underbilling }

// Detect compares each invoice's billed amount with its expected amount.
// Without an explicit expected_amount the expectation is the active
// subscription price plus usage overage.
func (d underbilling) Detect(b *signals.Batch, snap anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error] {
	return scan(d.Type(), snap, func(cal anomaly.Calibration, yield func(anomaly.Evidence, error) bool) {
		for _, inv := range b.OfKind(signals.KindInvoice) {
			ev, found, err := d.check(b, inv, cal.Threshold)
			if err != nil {
				if !yield(anomaly.Evidence{}, err) {
					return
				}
				continue
			}
			if found && !yield(ev, nil) {
				return
			}
		}
	})
}

func (d underbilling) check(b *signals.Batch, inv signals.Record, threshold float64) (anomaly.Evidence, bool, error) {
	cust, err := inv.String("customer_id")
	if err != nil {
		return anomaly.Evidence{}, false, err
	}
	billed, err := inv.Float("billed_amount")
	if err != nil {
		return anomaly.Evidence{}, false, err
	}
	refs := []string{inv.ID}
	expected, ok, err := inv.OptionalFloat("expected_amount")
	if err != nil {
		return anomaly.Evidence{}, false, err
	}
	if !ok {
		sub, found := b.ActiveSubscription(cust)
		if !found {
			return anomaly.Evidence{}, false, anomaly.InputFault(string(inv.Kind), inv.ID,
				"has no expected amount and customer %s no active subscription", cust)
		}
		expected, err = d.expectedFromSubscription(b, inv, sub, cust)
		if err != nil {
			return anomaly.Evidence{}, false, err
		}
		refs = append(refs, sub.ID)
	}

	gap := round2(expected - billed)
	if gap <= threshold {
		return anomaly.Evidence{}, false, nil
	}
	ent := customerEntities(b, cust)
	ent["invoice_id"] = inv.ID
	return anomaly.Evidence{
		Type:         anomaly.Underbilling,
		RecordRefs:   sortedUnique(refs),
		RawMagnitude: gap,
		Ratio:        gap / threshold,
		Description: fmt.Sprintf("Invoice %s for customer %s billed $%.2f but expected $%.2f (gap $%.2f)",
			inv.ID, cust, billed, expected, gap),
		Entities: ent,
	}, true, nil
}

func (d underbilling) expectedFromSubscription(b *signals.Batch, inv, sub signals.Record, cust string) (float64, error) {
	tier := strings.ToLower(sub.Raw("plan_tier"))
	price, ok, err := sub.OptionalFloat("monthly_price")
	if err != nil {
		return 0, err
	}
	if !ok {
		price, ok = d.cfg.Prices[tier]
		if !ok {
			return 0, anomaly.InputFault(string(sub.Kind), sub.ID,
				"has no price and tier %q is not in the price book", tier)
		}
	}
	at, err := inv.When("invoice_date")
	if err != nil {
		return 0, err
	}
	from := at.AddDate(0, 0, -d.cfg.UsageWindowDays)
	over := b.Usage(cust, from, at) - d.cfg.UsageAllowance[tier]
	if over > 0 {
		price += over * d.cfg.OverageRate
	}
	return price, nil
}

// #endregion underbilling

// #region tier-mismatch

type tierMismatch struct {
	cfg Config
}

func (tierMismatch) Type() anomaly.Type { return anomaly.TierMismatch }

// Detect flags invoices billed at a tier other than the customer's active
// subscription tier. The threshold scales confidence only; any mismatch fires.
func (d tierMismatch) Detect(b *signals.Batch, snap anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error] {
	return scan(d.Type(), snap, func(cal anomaly.Calibration, yield func(anomaly.Evidence, error) bool) {
		for _, inv := range b.OfKind(signals.KindInvoice) {
			ev, found, err := d.check(b, inv, cal.Threshold)
			if err != nil {
				if !yield(anomaly.Evidence{}, err) {
					return
				}
				continue
			}
			if found && !yield(ev, nil) {
				return
			}
		}
	})
}

func (d tierMismatch) check(b *signals.Batch, inv signals.Record, threshold float64) (anomaly.Evidence, bool, error) {
	cust, err := inv.String("customer_id")
	if err != nil {
		return anomaly.Evidence{}, false, err
	}
	sub, ok := b.ActiveSubscription(cust)
	if !ok {
		return anomaly.Evidence{}, false, nil
	}
	billedTier, err := inv.String("plan_tier_billed")
	if err != nil {
		return anomaly.Evidence{}, false, err
	}
	subTier, err := sub.String("plan_tier")
	if err != nil {
		return anomaly.Evidence{}, false, err
	}
	billedTier, subTier = strings.ToLower(billedTier), strings.ToLower(subTier)
	if billedTier == subTier {
		return anomaly.Evidence{}, false, nil
	}

	delta, err := d.priceDelta(inv, subTier, billedTier)
	if err != nil {
		return anomaly.Evidence{}, false, err
	}
	ent := customerEntities(b, cust)
	ent["invoice_id"] = inv.ID
	ent["subscription_tier"] = subTier
	ent["billed_tier"] = billedTier
	return anomaly.Evidence{
		Type:         anomaly.TierMismatch,
		RecordRefs:   sortedUnique([]string{inv.ID, sub.ID}),
		RawMagnitude: delta,
		Ratio:        delta / threshold,
		Description: fmt.Sprintf("Invoice %s for customer %s billed as %s but subscription %s is %s (price delta $%.2f)",
			inv.ID, cust, billedTier, sub.ID, subTier, delta),
		Entities: ent,
	}, true, nil
}

// priceDelta uses the price book, falling back to the invoice's own
// expected-minus-billed gap for tiers the book does not know.
func (d tierMismatch) priceDelta(inv signals.Record, subTier, billedTier string) (float64, error) {
	sp, okS := d.cfg.Prices[subTier]
	bp, okB := d.cfg.Prices[billedTier]
	if okS && okB {
		return round2(math.Abs(sp - bp)), nil
	}
	billed, err := inv.Float("billed_amount")
	if err != nil {
		return 0, err
	}
	expected, err := inv.Float("expected_amount")
	if err != nil {
		return 0, err
	}
	return round2(math.Max(expected-billed, 0)), nil
}

// #endregion tier-mismatch

// #region refund-spike

type refundSpike struct {
	cfg Config
}

func (refundSpike) Type() anomaly.Type { return anomaly.RefundSpike }

type dayBucket struct {
	day    time.Time
	ids    []string
	amount float64
}

// Detect compares each region/day refund count against the mean count of the
// region's earlier refund days inside the baseline window. The threshold is
// a multiplier over that baseline.
func (d refundSpike) Detect(b *signals.Batch, snap anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error] {
	return scan(d.Type(), snap, func(cal anomaly.Calibration, yield func(anomaly.Evidence, error) bool) {
		regions := map[string]map[time.Time]*dayBucket{}

		for _, r := range b.OfKind(signals.KindRefund) {
			region, row, err := d.readRow(b, r)
			if err != nil {
				if !yield(anomaly.Evidence{}, err) {
					return
				}
				continue
			}
			day := time.Date(row.at.Year(), row.at.Month(), row.at.Day(), 0, 0, 0, 0, time.UTC)
			if regions[region] == nil {
				regions[region] = map[time.Time]*dayBucket{}
			}
			bk := regions[region][day]
			if bk == nil {
				bk = &dayBucket{day: day}
				regions[region][day] = bk
			}
			bk.ids = append(bk.ids, r.ID)
			bk.amount += row.amount
		}

		for _, region := range sortedKeys(regions) {
			days := make([]*dayBucket, 0, len(regions[region]))
			for _, bk := range regions[region] {
				days = append(days, bk)
			}
			sort.Slice(days, func(i, j int) bool { return days[i].day.Before(days[j].day) })

			for k, bk := range days {
				ev, ok := d.check(region, days[:k], bk, cal.Threshold)
				if ok && !yield(ev, nil) {
					return
				}
			}
		}
	})
}

func (d refundSpike) readRow(b *signals.Batch, r signals.Record) (string, refundRow, error) {
	row, err := readRefund(r)
	if err != nil {
		return "", refundRow{}, err
	}
	cust, ok := b.Customer(row.cust)
	if !ok {
		return "", refundRow{}, anomaly.InputFault(string(r.Kind), r.ID, "references unknown customer %s", row.cust)
	}
	region, err := cust.String("region")
	if err != nil {
		return "", refundRow{}, err
	}
	return region, row, nil
}

func (d refundSpike) check(region string, earlier []*dayBucket, bk *dayBucket, multiplier float64) (anomaly.Evidence, bool) {
	cutoff := bk.day.AddDate(0, 0, -d.cfg.SpikeBaselineDays)
	var n int
	var countSum, amountSum float64
	for _, p := range earlier {
		if p.day.Before(cutoff) {
			continue
		}
		n++
		countSum += float64(len(p.ids))
		amountSum += p.amount
	}
	if n == 0 {
		return anomaly.Evidence{}, false
	}
	baseline := countSum / float64(n)
	count := float64(len(bk.ids))
	if len(bk.ids) < d.cfg.SpikeMinCount || count <= baseline*multiplier {
		return anomaly.Evidence{}, false
	}
	excess := round2(math.Max(bk.amount-amountSum/float64(n), 0))
	return anomaly.Evidence{
		Type:         anomaly.RefundSpike,
		RecordRefs:   sortedUnique(bk.ids),
		RawMagnitude: excess,
		Ratio:        (count / baseline) / multiplier,
		Description: fmt.Sprintf("Region %s on %s: %d refunds totalling $%.2f against a baseline of %.1f/day (%.1fx threshold)",
			region, bk.day.Format("2006-01-02"), len(bk.ids), bk.amount, baseline, multiplier),
		Entities: map[string]string{"region": region, "day": bk.day.Format("2006-01-02")},
	}, true
}

// #endregion refund-spike

// #region manual-credit

type manualCredit struct {
	cfg Config
}

func (manualCredit) Type() anomaly.Type { return anomaly.ManualCredit }

type creditRow struct {
	id     string
	amount float64
}

// Detect flags manual credits above the threshold, and customers whose
// manual credit count exceeds the frequency cap.
func (d manualCredit) Detect(b *signals.Batch, snap anomaly.Snapshot) iter.Seq2[anomaly.Evidence, error] {
	return scan(d.Type(), snap, func(cal anomaly.Calibration, yield func(anomaly.Evidence, error) bool) {
		byCustomer := map[string][]creditRow{}

		for _, r := range manualCredits(b) {
			cust, err := r.String("customer_id")
			if err != nil {
				if !yield(anomaly.Evidence{}, err) {
					return
				}
				continue
			}
			amount, err := r.Float("amount")
			if err != nil {
				if !yield(anomaly.Evidence{}, err) {
					return
				}
				continue
			}
			byCustomer[cust] = append(byCustomer[cust], creditRow{id: r.ID, amount: amount})

			if amount > cal.Threshold {
				ent := customerEntities(b, cust)
				ev := anomaly.Evidence{
					Type:         anomaly.ManualCredit,
					RecordRefs:   []string{r.ID},
					RawMagnitude: round2(amount),
					Ratio:        amount / cal.Threshold,
					Description: fmt.Sprintf("Manual credit %s of $%.2f for customer %s exceeds threshold $%.2f",
						r.ID, amount, cust, cal.Threshold),
					Entities: ent,
				}
				if !yield(ev, nil) {
					return
				}
			}
		}

		limit := d.cfg.CreditFrequencyCap
		for _, cust := range sortedKeys(byCustomer) {
			rows := byCustomer[cust]
			if limit <= 0 || len(rows) <= limit {
				continue
			}
			ids := make([]string, len(rows))
			var sum float64
			for i, row := range rows {
				ids[i] = row.id
				sum += row.amount
			}
			ev := anomaly.Evidence{
				Type:         anomaly.ManualCredit,
				RecordRefs:   sortedUnique(ids),
				RawMagnitude: round2(sum),
				Ratio:        float64(len(rows)) / float64(limit),
				Description: fmt.Sprintf("Customer %s received %d manual credits totalling $%.2f (cap %d)",
					cust, len(rows), sum, limit),
				Entities: customerEntities(b, cust),
			}
			if !yield(ev, nil) {
				return
			}
		}
	})
}

// manualCredits returns credit records plus refunds booked as manual credits.
func manualCredits(b *signals.Batch) []signals.Record {
	out := b.OfKind(signals.KindCredit)
	for _, r := range b.OfKind(signals.KindRefund) {
		if strings.EqualFold(r.Raw("reason"), "manual_credit") {
			out = append(out, r)
		}
	}
	return out
}

// #endregion manual-credit

// #region helpers

func customerEntities(b *signals.Batch, cust string) map[string]string {
	ent := map[string]string{"customer_id": cust}
	if c, ok := b.Customer(cust); ok {
		if name := c.Raw("customer_name"); name != "" {
			ent["customer_name"] = name
		}
		if region := c.Raw("region"); region != "" {
			ent["region"] = region
		}
	}
	return ent
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedUnique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// #endregion helpers
