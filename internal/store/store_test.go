package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	s, err := Open(path, "alpha")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.UpsertField(ctx, fact.Field{ID: 1, Name: "north paddock", Region: "NE"}); err != nil {
		t.Fatalf("seed field: %v", err)
	}
	if err := s.UpsertCrop(ctx, fact.Crop{ID: 2, Name: "winter wheat"}); err != nil {
		t.Fatalf("seed crop: %v", err)
	}
	return s
}

// stageInsert stages and returns a single-insert transaction for harvest id
// with the given yield.
func stageInsert(t *testing.T, s *Store, txID string, harvestID int64, yield int64) {
	t.Helper()
	y := decimal.NewFromInt(yield)
	change := StagedChange{
		Seq:       0,
		Op:        fact.OpInsert,
		HarvestID: harvestID,
		FieldID:   1,
		CropID:    2,
		Date:      "2026-05-01",
		Yield:     y,
		Delta:     y,
	}
	audit := fact.AuditRecord{
		AuditID:    "audit-" + txID,
		TxID:       txID,
		SubjectKey: fact.CropRuleKey(2),
		Op:         fact.OpInsert,
		Before:     decimal.Zero,
		After:      y,
	}
	if err := s.StagePrepared(context.Background(), txID, []StagedChange{change}, []fact.AuditRecord{audit}); err != nil {
		t.Fatalf("StagePrepared(%s) failed: %v", txID, err)
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")

	s, err := Open(path, "alpha")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, "alpha")
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path, "alpha")
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"harvests", "crop_totals", "audit_log", "business_rules", "prepared_txns", "staged_changes", "staged_audit"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_RejectsEmptyNode(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), ""); err == nil {
		t.Fatal("Open with empty node id succeeded")
	}
}

func TestPreparedLifecycle_CommitAppliesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stageInsert(t, s, "tx-1", 4, 300)

	// Staged effects are invisible.
	if _, exists, _ := s.GetHarvest(ctx, 4); exists {
		t.Fatal("staged harvest visible before commit")
	}
	if total, _ := s.CropTotal(ctx, 2); !total.IsZero() {
		t.Fatalf("crop total %s before commit, want 0", total)
	}
	if status, _ := s.StatusOf(ctx, "tx-1"); status != fact.StatusPrepared {
		t.Fatalf("StatusOf = %s, want PREPARED", status)
	}

	applied, err := s.CommitPrepared(ctx, "tx-1")
	if err != nil {
		t.Fatalf("CommitPrepared failed: %v", err)
	}
	if !applied {
		t.Fatal("CommitPrepared reported not applied on first call")
	}

	h, exists, err := s.GetHarvest(ctx, 4)
	if err != nil || !exists {
		t.Fatalf("GetHarvest after commit: exists=%v err=%v", exists, err)
	}
	if !h.Yield.Equal(decimal.NewFromInt(300)) {
		t.Errorf("yield = %s, want 300", h.Yield)
	}

	total, err := s.CropTotal(ctx, 2)
	if err != nil || !total.Equal(decimal.NewFromInt(300)) {
		t.Errorf("crop total = %s (err %v), want 300", total, err)
	}

	count, err := s.AuditCountForTx(ctx, "tx-1")
	if err != nil || count != 1 {
		t.Errorf("audit count = %d (err %v), want 1", count, err)
	}

	if err := s.VerifyAggregates(ctx); err != nil {
		t.Errorf("VerifyAggregates after commit: %v", err)
	}
}

func TestCommitPrepared_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stageInsert(t, s, "tx-1", 4, 300)

	if _, err := s.CommitPrepared(ctx, "tx-1"); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// A retried instruction must not double-apply.
	applied, err := s.CommitPrepared(ctx, "tx-1")
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if applied {
		t.Error("second commit reported applied")
	}

	total, _ := s.CropTotal(ctx, 2)
	if !total.Equal(decimal.NewFromInt(300)) {
		t.Errorf("crop total after retry = %s, want 300", total)
	}
	count, _ := s.AuditCountForTx(ctx, "tx-1")
	if count != 1 {
		t.Errorf("audit count after retry = %d, want 1", count)
	}
}

func TestStagePrepared_DuplicateIsNoop(t *testing.T) {
	s := newTestStore(t)
	stageInsert(t, s, "tx-1", 4, 300)
	stageInsert(t, s, "tx-1", 4, 300) // duplicate PREPARE

	keys, err := s.StagedKeys(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("StagedKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("staged keys after duplicate prepare = %v, want one entry", keys)
	}
}

func TestRollbackPrepared_DiscardsStaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stageInsert(t, s, "tx-1", 4, 300)

	if err := s.RollbackPrepared(ctx, "tx-1"); err != nil {
		t.Fatalf("RollbackPrepared failed: %v", err)
	}
	if err := s.RollbackPrepared(ctx, "tx-1"); err != nil {
		t.Fatalf("second RollbackPrepared failed: %v", err)
	}

	if _, exists, _ := s.GetHarvest(ctx, 4); exists {
		t.Error("rolled-back harvest visible")
	}
	if status, _ := s.StatusOf(ctx, "tx-1"); status != fact.StatusAborted {
		t.Errorf("StatusOf = %s, want ABORTED", status)
	}
	if count, _ := s.AuditCountForTx(ctx, "tx-1"); count != 0 {
		t.Errorf("audit count after rollback = %d, want 0", count)
	}
}

func TestRollbackPrepared_UnknownTxnIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.RollbackPrepared(context.Background(), "tx-never-prepared"); err != nil {
		t.Fatalf("rollback of unknown txn failed: %v", err)
	}
}

func TestCommitPrepared_UnknownTxnFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CommitPrepared(context.Background(), "tx-missing")
	if err == nil {
		t.Fatal("commit of unknown txn succeeded")
	}
	if fact.CodeOf(err) != fact.ErrCodeUnknownTxn {
		t.Errorf("error code = %s, want UNKNOWN_TXN", fact.CodeOf(err))
	}
}

func TestCommitPrepared_AfterRollbackFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stageInsert(t, s, "tx-1", 4, 300)
	if err := s.RollbackPrepared(ctx, "tx-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := s.CommitPrepared(ctx, "tx-1"); err == nil {
		t.Fatal("commit after rollback succeeded")
	}
}

func TestPreparedLifecycle_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	ctx := context.Background()

	s, err := Open(path, "alpha")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.UpsertField(ctx, fact.Field{ID: 1, Name: "f"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertCrop(ctx, fact.Crop{ID: 2, Name: "c"}); err != nil {
		t.Fatal(err)
	}
	stageInsert(t, s, "tx-crash", 4, 300)
	s.Close() // simulated crash after PREPARE

	s2, err := Open(path, "alpha")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	pending, err := s2.ListPrepared(ctx, true)
	if err != nil {
		t.Fatalf("ListPrepared: %v", err)
	}
	if len(pending) != 1 || pending[0].GlobalTxID != "tx-crash" {
		t.Fatalf("pending after reopen = %+v, want tx-crash", pending)
	}

	keys, err := s2.StagedKeys(ctx, "tx-crash")
	if err != nil || len(keys) != 1 || keys[0] != 4 {
		t.Fatalf("StagedKeys = %v (err %v), want [4]", keys, err)
	}

	if _, err := s2.CommitPrepared(ctx, "tx-crash"); err != nil {
		t.Fatalf("commit after reopen: %v", err)
	}
	if total, _ := s2.CropTotal(ctx, 2); !total.Equal(decimal.NewFromInt(300)) {
		t.Errorf("crop total after recovery commit = %s, want 300", total)
	}
}

func TestUpdateAndDelete_ApplyDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stageInsert(t, s, "tx-1", 4, 300)
	if _, err := s.CommitPrepared(ctx, "tx-1"); err != nil {
		t.Fatal(err)
	}

	// Update 300 -> 450: delta +150.
	upd := StagedChange{
		Seq: 0, Op: fact.OpUpdate, HarvestID: 4, CropID: 2,
		Yield: decimal.NewFromInt(450), Delta: decimal.NewFromInt(150),
	}
	audit := fact.AuditRecord{
		AuditID: "audit-upd", TxID: "tx-2", SubjectKey: fact.CropRuleKey(2),
		Op: fact.OpUpdate, Before: decimal.NewFromInt(300), After: decimal.NewFromInt(450),
	}
	if err := s.StagePrepared(ctx, "tx-2", []StagedChange{upd}, []fact.AuditRecord{audit}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommitPrepared(ctx, "tx-2"); err != nil {
		t.Fatal(err)
	}

	if total, _ := s.CropTotal(ctx, 2); !total.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("total after update = %s, want 450", total)
	}

	// Delete: delta -450.
	del := StagedChange{
		Seq: 0, Op: fact.OpDelete, HarvestID: 4, CropID: 2,
		Delta: decimal.NewFromInt(-450),
	}
	audit2 := fact.AuditRecord{
		AuditID: "audit-del", TxID: "tx-3", SubjectKey: fact.CropRuleKey(2),
		Op: fact.OpDelete, Before: decimal.NewFromInt(450), After: decimal.Zero,
	}
	if err := s.StagePrepared(ctx, "tx-3", []StagedChange{del}, []fact.AuditRecord{audit2}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommitPrepared(ctx, "tx-3"); err != nil {
		t.Fatal(err)
	}

	if _, exists, _ := s.GetHarvest(ctx, 4); exists {
		t.Error("deleted harvest still visible")
	}
	if total, _ := s.CropTotal(ctx, 2); !total.IsZero() {
		t.Errorf("total after delete = %s, want 0", total)
	}
	if err := s.VerifyAggregates(ctx); err != nil {
		t.Errorf("VerifyAggregates: %v", err)
	}
}

func TestQueryHarvests_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertCrop(ctx, fact.Crop{ID: 3, Name: "barley"}); err != nil {
		t.Fatal(err)
	}
	for i, ins := range []struct {
		id    int64
		crop  int64
		date  string
		yield int64
	}{
		{2, 2, "2026-04-01", 100},
		{4, 2, "2026-05-01", 200},
		{6, 3, "2026-06-01", 300},
	} {
		txID := string(rune('a' + i))
		y := decimal.NewFromInt(ins.yield)
		change := StagedChange{
			Seq: 0, Op: fact.OpInsert, HarvestID: ins.id, FieldID: 1,
			CropID: ins.crop, Date: ins.date, Yield: y, Delta: y,
		}
		rec := fact.AuditRecord{AuditID: "audit-" + txID, TxID: txID, SubjectKey: fact.CropRuleKey(ins.crop), Op: fact.OpInsert, Before: decimal.Zero, After: y}
		if err := s.StagePrepared(ctx, txID, []StagedChange{change}, []fact.AuditRecord{rec}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CommitPrepared(ctx, txID); err != nil {
			t.Fatal(err)
		}
	}

	crop := int64(2)
	rows, err := s.QueryHarvests(ctx, fact.Query{CropID: &crop})
	if err != nil {
		t.Fatalf("QueryHarvests: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("crop filter returned %d rows, want 2", len(rows))
	}

	rows, err = s.QueryHarvests(ctx, fact.Query{FromDate: "2026-05-01"})
	if err != nil {
		t.Fatalf("QueryHarvests: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("date filter returned %d rows, want 2", len(rows))
	}
	// Local ordering is by id.
	if rows[0].ID != 4 || rows[1].ID != 6 {
		t.Errorf("rows out of id order: %d, %d", rows[0].ID, rows[1].ID)
	}
}

func TestRules_RoundTripAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := fact.CropRuleKey(2)
	if _, ok, err := s.GetRule(ctx, key); err != nil || ok {
		t.Fatalf("unconfigured rule: ok=%v err=%v, want absent", ok, err)
	}

	rule := fact.Rule{Key: key, Threshold: decimal.NewFromInt(450), Active: true, Description: "seasonal cap"}
	if err := s.SetRule(ctx, rule); err != nil {
		t.Fatalf("SetRule: %v", err)
	}

	got, ok, err := s.GetRule(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetRule: ok=%v err=%v", ok, err)
	}
	if !got.Threshold.Equal(rule.Threshold) || !got.Active || got.Description != "seasonal cap" {
		t.Errorf("GetRule = %+v, want %+v", got, rule)
	}

	rule.Active = false
	if err := s.SetRule(ctx, rule); err != nil {
		t.Fatalf("SetRule (deactivate): %v", err)
	}
	got, _, _ = s.GetRule(ctx, key)
	if got.Active {
		t.Error("rule still active after deactivation")
	}
}

func TestDimensionChecksum_DetectsDrift(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)

	b, err := Open(filepath.Join(t.TempDir(), "b.db"), "bravo")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.UpsertField(ctx, fact.Field{ID: 1, Name: "north paddock", Region: "NE"}); err != nil {
		t.Fatal(err)
	}

	ca, err := a.DimensionChecksum(ctx, DimFields)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := b.DimensionChecksum(ctx, DimFields)
	if err != nil {
		t.Fatal(err)
	}
	if ca != cb {
		t.Error("identical dimension copies produced different checksums")
	}

	// Drift one copy.
	if err := b.UpsertField(ctx, fact.Field{ID: 1, Name: "north paddock", Region: "NW"}); err != nil {
		t.Fatal(err)
	}
	cb, _ = b.DimensionChecksum(ctx, DimFields)
	if ca == cb {
		t.Error("drifted dimension copies produced equal checksums")
	}

	if _, err := a.DimensionChecksum(ctx, "harvests"); err == nil {
		t.Error("checksum over non-dimension table accepted")
	}
}

func TestMisplacedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stageInsert(t, s, "tx-1", 4, 100)
	if _, err := s.CommitPrepared(ctx, "tx-1"); err != nil {
		t.Fatal(err)
	}

	evenOwner := func(id int64) fact.NodeID {
		if id%2 == 0 {
			return "alpha"
		}
		return "bravo"
	}
	misplaced, err := s.MisplacedRows(ctx, evenOwner)
	if err != nil {
		t.Fatalf("MisplacedRows: %v", err)
	}
	if len(misplaced) != 0 {
		t.Errorf("correctly placed row reported misplaced: %v", misplaced)
	}
	if err := s.CheckIntegrity(ctx, evenOwner); err != nil {
		t.Errorf("CheckIntegrity: %v", err)
	}

	// Flip the rule so every local row looks misplaced.
	oddOwner := func(id int64) fact.NodeID {
		if id%2 == 1 {
			return "alpha"
		}
		return "bravo"
	}
	misplaced, err = s.MisplacedRows(ctx, oddOwner)
	if err != nil {
		t.Fatalf("MisplacedRows: %v", err)
	}
	if len(misplaced) != 1 || misplaced[0] != 4 {
		t.Errorf("misplaced = %v, want [4]", misplaced)
	}

	err = s.CheckIntegrity(ctx, oddOwner)
	if err == nil || !fact.IsFragmentation(err) {
		t.Errorf("CheckIntegrity = %v, want fragmentation error", err)
	}
}
