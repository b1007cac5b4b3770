package fact

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func validHarvest(id int64) Harvest {
	return Harvest{
		ID:          id,
		FieldID:     1,
		CropID:      2,
		HarvestDate: "2026-05-01",
		Yield:       decimal.NewFromInt(300),
	}
}

func TestHarvestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Harvest)
		wantErr string
	}{
		{"valid", func(h *Harvest) {}, ""},
		{"zero id", func(h *Harvest) { h.ID = 0 }, "id must be positive"},
		{"zero field", func(h *Harvest) { h.FieldID = 0 }, "field id must be positive"},
		{"zero crop", func(h *Harvest) { h.CropID = 0 }, "crop id must be positive"},
		{"bad date", func(h *Harvest) { h.HarvestDate = "May 1st" }, "bad harvest_date"},
		{"negative yield", func(h *Harvest) { h.Yield = decimal.NewFromInt(-1) }, "yield must be >= 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHarvest(7)
			tt.mutate(&h)
			err := h.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStatementKey(t *testing.T) {
	ins := Statement{Op: OpInsert, Harvest: validHarvest(11)}
	if got := ins.Key(); got != 11 {
		t.Errorf("insert Key() = %d, want 11", got)
	}

	upd := Statement{Op: OpUpdate, ID: 12, NewYield: decimal.NewFromInt(5)}
	if got := upd.Key(); got != 12 {
		t.Errorf("update Key() = %d, want 12", got)
	}

	del := Statement{Op: OpDelete, ID: 13}
	if got := del.Key(); got != 13 {
		t.Errorf("delete Key() = %d, want 13", got)
	}
}

func TestTransactionSpecValidate_RejectsEmpty(t *testing.T) {
	err := TransactionSpec{}.Validate()
	if err == nil {
		t.Fatal("empty spec validated, want error")
	}
}

func TestTransactionSpecValidate_RejectsDuplicateKey(t *testing.T) {
	spec := TransactionSpec{Statements: []Statement{
		{Op: OpInsert, Harvest: validHarvest(5)},
		{Op: OpUpdate, ID: 5, NewYield: decimal.NewFromInt(10)},
	}}
	err := spec.Validate()
	if err == nil || !strings.Contains(err.Error(), "already targeted") {
		t.Fatalf("Validate() = %v, want duplicate-key error", err)
	}
}

func TestTransactionSpecValidate_AcceptsCrossPartitionSpec(t *testing.T) {
	spec := TransactionSpec{Statements: []Statement{
		{Op: OpInsert, Harvest: validHarvest(4)}, // even id, one partition
		{Op: OpInsert, Harvest: validHarvest(5)}, // odd id, the other
	}}
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestQueryValidate(t *testing.T) {
	if err := (Query{OrderBy: OrderByYield}).Validate(); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}
	if err := (Query{OrderBy: "name"}).Validate(); err == nil {
		t.Error("unknown order column accepted")
	}
}
