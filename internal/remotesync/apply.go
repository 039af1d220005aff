package remotesync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"csms/internal/models"
)

// ChargerUpserter and TransactionUpserter are the slices of persistence the
// apply path needs; the pgx repos satisfy them.
type ChargerUpserter interface {
	UpsertIdentity(ctx context.Context, c models.Charger) (bool, error)
}

type TransactionUpserter interface {
	UpsertIdentity(ctx context.Context, t models.Transaction) (bool, error)
}

// Counts summarizes one snapshot application.
type Counts struct {
	ChargersCreated    int
	ChargersUpdated    int
	TransactionsSynced int
}

func (c Counts) String() string {
	return fmt.Sprintf("%d chargers created, %d updated, %d transactions synced",
		c.ChargersCreated, c.ChargersUpdated, c.TransactionsSynced)
}

// Apply upserts every charger in the snapshot together with its nested
// transactions, keyed on the natural identity tuples so a re-applied
// snapshot produces zero additional creates. Malformed numeric or datetime
// fields degrade to null rather than failing the whole batch.
func Apply(ctx context.Context, chargers ChargerUpserter, txs TransactionUpserter, snap *Snapshot) (Counts, error) {
	var counts Counts

	for _, sc := range snap.Chargers {
		if sc.Serial == "" {
			continue
		}

		active := true
		if b, ok := coerceBool(sc.IsActive); ok {
			active = b
		}
		created, err := chargers.UpsertIdentity(ctx, models.Charger{
			Serial:          sc.Serial,
			ConnectorID:     coerceIntPtr(sc.ConnectorID),
			Vendor:          sc.Vendor,
			Model:           sc.Model,
			FirmwareVersion: sc.FirmwareVersion,
			IsActive:        active,
		})
		if err != nil {
			return counts, fmt.Errorf("upserting charger %s: %w", sc.Serial, err)
		}
		if created {
			counts.ChargersCreated++
		} else {
			counts.ChargersUpdated++
		}

		for _, st := range sc.Transactions {
			start := coerceTime(st.StartTime)
			if start == nil {
				// A transaction without a start time has no identity
				// to upsert against.
				continue
			}
			connector := 0
			if n := coerceIntPtr(st.ConnectorID); n != nil {
				connector = *n
			}
			var reason *string
			if s, ok := st.Reason.(string); ok && s != "" {
				reason = &s
			}
			if _, err := txs.UpsertIdentity(ctx, models.Transaction{
				Serial:      sc.Serial,
				ConnectorID: connector,
				IDTag:       st.IDTag,
				StartTime:   *start,
				StopTime:    coerceTime(st.StopTime),
				MeterStart:  coerceInt64Ptr(st.MeterStart),
				MeterStop:   coerceInt64Ptr(st.MeterStop),
				Reason:      reason,
			}); err != nil {
				return counts, fmt.Errorf("upserting transaction for %s at %s: %w", sc.Serial, start, err)
			}
			counts.TransactionsSynced++
		}
	}
	return counts, nil
}

func coerceIntPtr(v any) *int {
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return &i
		}
	}
	return nil
}

func coerceInt64Ptr(v any) *int64 {
	switch n := v.(type) {
	case float64:
		i := int64(n)
		return &i
	case int64:
		return &n
	case int:
		i := int64(n)
		return &i
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return &i
		}
	}
	return nil
}

func coerceTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func coerceBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		if p, err := strconv.ParseBool(b); err == nil {
			return p, true
		}
	case float64:
		return b != 0, true
	}
	return false, false
}
