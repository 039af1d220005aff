package remotesync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"csms/internal/models"
)

type fakeUpserter struct {
	chargers map[string]models.Charger
	txs      map[string]models.Transaction
}

func newFakeUpserter() *fakeUpserter {
	return &fakeUpserter{
		chargers: make(map[string]models.Charger),
		txs:      make(map[string]models.Transaction),
	}
}

func chargerKey(c models.Charger) string {
	if c.ConnectorID == nil {
		return c.Serial + "#nil"
	}
	return fmt.Sprintf("%s#%d", c.Serial, *c.ConnectorID)
}

func (f *fakeUpserter) UpsertIdentity(_ context.Context, c models.Charger) (bool, error) {
	k := chargerKey(c)
	_, exists := f.chargers[k]
	f.chargers[k] = c
	return !exists, nil
}

type fakeTxUpserter struct{ f *fakeUpserter }

func (ft fakeTxUpserter) UpsertIdentity(_ context.Context, t models.Transaction) (bool, error) {
	k := fmt.Sprintf("%s|%s|%d", t.Serial, t.StartTime.Format(time.RFC3339Nano), t.ConnectorID)
	_, exists := ft.f.txs[k]
	ft.f.txs[k] = t
	return !exists, nil
}

func sampleSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	raw := `{
		"chargers": [
			{
				"serial": "CP-1",
				"connector_id": 1,
				"vendor": "ACME",
				"model": "One",
				"firmware_version": "1.2",
				"is_active": true,
				"transactions": [
					{
						"connector_id": 1,
						"id_tag": "TAG",
						"start_time": "2026-08-30T10:00:00Z",
						"stop_time": "2026-08-30T11:00:00Z",
						"meter_start": 100,
						"meter_stop": "2500",
						"reason": "Local"
					},
					{
						"connector_id": "not-a-number",
						"id_tag": "TAG2",
						"start_time": "2026-08-30T12:00:00Z",
						"meter_start": "garbage"
					},
					{
						"id_tag": "NO-START"
					}
				]
			},
			{"serial": "CP-2", "connector_id": null, "vendor": "ACME"}
		]
	}`
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("decoding sample snapshot: %v", err)
	}
	return &snap
}

func TestApplySnapshot(t *testing.T) {
	f := newFakeUpserter()
	snap := sampleSnapshot(t)

	counts, err := Apply(context.Background(), f, fakeTxUpserter{f}, snap)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if counts.ChargersCreated != 2 || counts.ChargersUpdated != 0 {
		t.Errorf("charger counts = %+v, want 2 created", counts)
	}
	// The transaction without a start time has no identity and is skipped.
	if counts.TransactionsSynced != 2 {
		t.Errorf("transactions synced = %d, want 2", counts.TransactionsSynced)
	}

	tx, ok := f.txs["CP-1|2026-08-30T10:00:00Z|1"]
	if !ok {
		t.Fatal("first transaction missing")
	}
	if tx.MeterStart == nil || *tx.MeterStart != 100 {
		t.Errorf("meter_start = %v", tx.MeterStart)
	}
	if tx.MeterStop == nil || *tx.MeterStop != 2500 {
		t.Errorf("meter_stop not coerced from string: %v", tx.MeterStop)
	}
	if tx.StopTime == nil {
		t.Error("stop_time dropped")
	}

	// Garbage numerics degrade to null, never fail the batch.
	tx2, ok := f.txs["CP-1|2026-08-30T12:00:00Z|0"]
	if !ok {
		t.Fatal("second transaction missing, bad connector id should default")
	}
	if tx2.MeterStart != nil {
		t.Errorf("garbage meter_start coerced to %v, want nil", *tx2.MeterStart)
	}
}

func TestApplySnapshotIsIdempotent(t *testing.T) {
	f := newFakeUpserter()
	snap := sampleSnapshot(t)

	if _, err := Apply(context.Background(), f, fakeTxUpserter{f}, snap); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	counts, err := Apply(context.Background(), f, fakeTxUpserter{f}, snap)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if counts.ChargersCreated != 0 {
		t.Errorf("second apply created %d chargers, want 0", counts.ChargersCreated)
	}
	if counts.ChargersUpdated != 2 {
		t.Errorf("second apply updated %d chargers, want 2", counts.ChargersUpdated)
	}
}

func TestCoercions(t *testing.T) {
	if got := coerceIntPtr("17"); got == nil || *got != 17 {
		t.Errorf("coerceIntPtr(\"17\") = %v", got)
	}
	if got := coerceIntPtr(nil); got != nil {
		t.Errorf("coerceIntPtr(nil) = %v", *got)
	}
	if got := coerceTime("2026-08-30 10:00:00"); got == nil {
		t.Error("space-separated datetime rejected")
	}
	if got := coerceTime("yesterday"); got != nil {
		t.Errorf("coerceTime(\"yesterday\") = %v", got)
	}
	if b, ok := coerceBool("true"); !ok || !b {
		t.Errorf("coerceBool(\"true\") = %v, %v", b, ok)
	}
}
