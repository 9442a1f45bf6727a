package cases

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
)

// #region build

// Build deduplicates scored evidence, assigns stable ids and ranks, and
// returns the case set in rank order. Output depends only on the input
// values, never on input order.
func Build(items []Scored) []Case {
	byType := map[anomaly.Type][]Scored{}
	for _, it := range items {
		refs := slices.Clone(it.Evidence.RecordRefs)
		slices.Sort(refs)
		it.Evidence.RecordRefs = slices.Compact(refs)
		byType[it.Evidence.Type] = append(byType[it.Evidence.Type], it)
	}

	var out []Case
	for _, typ := range anomaly.Types {
		for _, it := range dedupe(byType[typ]) {
			out = append(out, toCase(it))
		}
	}

	slices.SortFunc(out, compareRank)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// compareRank orders by impact, severity, confidence band (all descending),
// then anomaly type and case id. The numeric confidence score is not a key.
func compareRank(a, b Case) int {
	return cmp.Or(
		cmp.Compare(b.ImpactEstimate, a.ImpactEstimate),
		cmp.Compare(b.Severity.Rank(), a.Severity.Rank()),
		cmp.Compare(b.Confidence.Rank(), a.Confidence.Rank()),
		cmp.Compare(a.AnomalyType, b.AnomalyType),
		cmp.Compare(a.CaseID, b.CaseID),
	)
}

// #endregion build

// #region dedupe

// dedupe drops, within one anomaly type, evidence that is a strict subset of
// another item, then keeps the larger magnitude among overlapping items.
func dedupe(items []Scored) []Scored {
	var candidates []Scored
	for i, it := range items {
		subset := false
		for j, other := range items {
			if i != j && strictSubset(it.Evidence.RecordRefs, other.Evidence.RecordRefs) {
				subset = true
				break
			}
		}
		if !subset {
			candidates = append(candidates, it)
		}
	}

	slices.SortStableFunc(candidates, func(a, b Scored) int {
		return cmp.Or(
			cmp.Compare(b.Evidence.RawMagnitude, a.Evidence.RawMagnitude),
			cmp.Compare(len(b.Evidence.RecordRefs), len(a.Evidence.RecordRefs)),
			slices.Compare(a.Evidence.RecordRefs, b.Evidence.RecordRefs),
		)
	})

	var kept []Scored
	claimed := map[string]bool{}
	for _, c := range candidates {
		if slices.ContainsFunc(c.Evidence.RecordRefs, func(ref string) bool { return claimed[ref] }) {
			continue
		}
		for _, ref := range c.Evidence.RecordRefs {
			claimed[ref] = true
		}
		kept = append(kept, c)
	}
	return kept
}

func strictSubset(a, b []string) bool {
	if len(a) >= len(b) {
		return false
	}
	for _, x := range a {
		if !slices.Contains(b, x) {
			return false
		}
	}
	return true
}

// #endregion dedupe

// #region identity

// CaseID derives the stable id of a case from its type and record refs.
func CaseID(typ anomaly.Type, refs []string) string {
	sorted := slices.Clone(refs)
	slices.Sort(sorted)
	h := sha256.Sum256([]byte(string(typ) + "\x00" + strings.Join(sorted, "\x00")))
	prefix := "GEN"
	if spec, ok := anomaly.SpecFor(typ); ok {
		prefix = spec.Prefix
	}
	return fmt.Sprintf("CASE-%s-%s", prefix, hex.EncodeToString(h[:])[:16])
}

func toCase(it Scored) Case {
	ev := it.Evidence
	refs := slices.Clone(ev.RecordRefs)
	spec, _ := anomaly.SpecFor(ev.Type)
	return Case{
		CaseID:              CaseID(ev.Type, refs),
		AnomalyType:         ev.Type,
		Title:               Title(ev),
		Severity:            it.Score.Severity,
		Confidence:          it.Score.Confidence,
		ConfidenceScore:     it.Score.ConfidenceScore,
		ImpactEstimate:      it.Score.Impact,
		EvidenceDescription: ev.Description,
		RecordRefs:          refs,
		RecommendedAction:   spec.Action,
		MemoryVersion:       it.Score.Rationale.MemoryVersion,
		Rationale:           it.Score.Rationale,
	}
}

// Title renders a short headline from the evidence entities.
func Title(ev anomaly.Evidence) string {
	e := ev.Entities
	who := e["customer_name"]
	if who == "" {
		who = e["customer_id"]
	}
	switch ev.Type {
	case anomaly.DuplicateRefund:
		return fmt.Sprintf("Duplicate refund for %s ($%.2f)", who, ev.RawMagnitude)
	case anomaly.Underbilling:
		return fmt.Sprintf("Underbilling on invoice %s (%s)", e["invoice_id"], who)
	case anomaly.TierMismatch:
		return fmt.Sprintf("Tier mismatch for %s: billed %s, subscribed %s", who, e["billed_tier"], e["subscription_tier"])
	case anomaly.RefundSpike:
		return fmt.Sprintf("Refund spike in %s on %s", e["region"], e["day"])
	case anomaly.ManualCredit:
		return fmt.Sprintf("Suspicious manual credit for %s ($%.2f)", who, ev.RawMagnitude)
	}
	return string(ev.Type)
}

// #endregion identity
