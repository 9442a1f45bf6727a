package signals

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
)

// #region kind

// Kind tags the business event a record describes.
type Kind string

const (
	KindCustomer     Kind = "customer"
	KindSubscription Kind = "subscription"
	KindInvoice      Kind = "invoice"
	KindPayment      Kind = "payment"
	KindRefund       Kind = "refund"
	KindUsage        Kind = "usage"
	KindCredit       Kind = "credit"
)

// #endregion kind

// #region record

// Record is one immutable business event. Fields hold the raw column values.
type Record struct {
	ID        string            `yaml:"id" json:"id"`
	Kind      Kind              `yaml:"kind" json:"kind"`
	Timestamp time.Time         `yaml:"timestamp" json:"timestamp"`
	Fields    map[string]string `yaml:"fields" json:"fields"`
}

// Raw returns the trimmed field value, or "" when absent.
func (r Record) Raw(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

// String returns a required, non-empty field.
func (r Record) String(field string) (string, error) {
	v := r.Raw(field)
	if v == "" {
		return "", anomaly.InputFault(string(r.Kind), r.ID, "missing %s", field)
	}
	return v, nil
}

// Float parses a required numeric field.
func (r Record) Float(field string) (float64, error) {
	s, err := r.String(field)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "$"), 64)
	if err != nil {
		return 0, anomaly.InputFault(string(r.Kind), r.ID, "field %s=%q not numeric", field, s)
	}
	return v, nil
}

// OptionalFloat parses a numeric field that may be absent.
// ok is false when the field is empty.
func (r Record) OptionalFloat(field string) (v float64, ok bool, err error) {
	if r.Raw(field) == "" {
		return 0, false, nil
	}
	v, err = r.Float(field)
	return v, err == nil, err
}

// Time parses a required timestamp field in UTC.
func (r Record) Time(field string) (time.Time, error) {
	s, err := r.String(field)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := parseTime(s)
	if !ok {
		return time.Time{}, anomaly.InputFault(string(r.Kind), r.ID, "field %s=%q not a timestamp", field, s)
	}
	return t, nil
}

// When returns the event time: Timestamp if set, otherwise the named field.
func (r Record) When(field string) (time.Time, error) {
	if !r.Timestamp.IsZero() {
		return r.Timestamp.UTC(), nil
	}
	return r.Time(field)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// #endregion record

// #region source

// Source supplies a finite snapshot of records. since == nil means everything.
type Source interface {
	FetchBatch(ctx context.Context, since *time.Time) ([]Record, error)
}

// #endregion source
