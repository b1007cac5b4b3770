// Package remote connects the coordinator to its participants. A Link is the
// full participant surface; LocalLink serves it in-process and HTTPLink
// carries it over the node's HTTP API. Errors keep their furrow error codes
// across the wire, so callers can switch on them without caring which side
// of the link the failure happened on.
package remote

import (
	"context"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/lock"
	"github.com/furrowdb/furrow/internal/participant"
)

// Link is everything a coordinator (or operator tool) can ask of one node.
type Link interface {
	Node() fact.NodeID
	Ping(ctx context.Context) error

	Query(ctx context.Context, q fact.Query) ([]fact.Harvest, error)
	CropTotals(ctx context.Context) ([]fact.CropTotal, error)
	DimensionChecksum(ctx context.Context, table string) (string, error)
	AuditTrail(ctx context.Context, subjectKey string) ([]fact.AuditRecord, error)

	Exec(ctx context.Context, txID string, stmts []fact.Statement) error
	Prepare(ctx context.Context, txID string) error
	CommitPrepared(ctx context.Context, txID string) error
	RollbackPrepared(ctx context.Context, txID string) error
	Abort(ctx context.Context, txID string) error
	ListPrepared(ctx context.Context, pendingOnly bool) ([]fact.PreparedTxn, error)

	Locks(ctx context.Context) ([]lock.Info, error)
	GetRule(ctx context.Context, key string) (fact.Rule, bool, error)
	SetRule(ctx context.Context, r fact.Rule) error
	UpsertField(ctx context.Context, f fact.Field) error
	UpsertCrop(ctx context.Context, c fact.Crop) error
	VerifyIntegrity(ctx context.Context) error
}

// LocalLink serves a participant in the same process. Tests and single-binary
// deployments use it in place of the HTTP transport.
type LocalLink struct {
	p *participant.Manager
}

func NewLocalLink(p *participant.Manager) *LocalLink {
	return &LocalLink{p: p}
}

func (l *LocalLink) Node() fact.NodeID { return l.p.Node() }

func (l *LocalLink) Ping(context.Context) error { return nil }

func (l *LocalLink) Query(ctx context.Context, q fact.Query) ([]fact.Harvest, error) {
	return l.p.Query(ctx, q)
}

func (l *LocalLink) CropTotals(ctx context.Context) ([]fact.CropTotal, error) {
	return l.p.CropTotals(ctx)
}

func (l *LocalLink) DimensionChecksum(ctx context.Context, table string) (string, error) {
	return l.p.DimensionChecksum(ctx, table)
}

func (l *LocalLink) AuditTrail(ctx context.Context, subjectKey string) ([]fact.AuditRecord, error) {
	return l.p.AuditTrail(ctx, subjectKey)
}

func (l *LocalLink) Exec(ctx context.Context, txID string, stmts []fact.Statement) error {
	return l.p.Exec(ctx, txID, stmts)
}

func (l *LocalLink) Prepare(ctx context.Context, txID string) error {
	return l.p.Prepare(ctx, txID)
}

func (l *LocalLink) CommitPrepared(ctx context.Context, txID string) error {
	_, err := l.p.CommitPrepared(ctx, txID)
	return err
}

func (l *LocalLink) RollbackPrepared(ctx context.Context, txID string) error {
	return l.p.RollbackPrepared(ctx, txID)
}

func (l *LocalLink) Abort(ctx context.Context, txID string) error {
	return l.p.Abort(ctx, txID)
}

func (l *LocalLink) ListPrepared(ctx context.Context, pendingOnly bool) ([]fact.PreparedTxn, error) {
	return l.p.ListPrepared(ctx, pendingOnly)
}

func (l *LocalLink) Locks(ctx context.Context) ([]lock.Info, error) {
	return l.p.Locks(ctx), nil
}

func (l *LocalLink) GetRule(ctx context.Context, key string) (fact.Rule, bool, error) {
	return l.p.GetRule(ctx, key)
}

func (l *LocalLink) SetRule(ctx context.Context, r fact.Rule) error {
	return l.p.SetRule(ctx, r)
}

func (l *LocalLink) UpsertField(ctx context.Context, f fact.Field) error {
	return l.p.UpsertField(ctx, f)
}

func (l *LocalLink) UpsertCrop(ctx context.Context, c fact.Crop) error {
	return l.p.UpsertCrop(ctx, c)
}

func (l *LocalLink) VerifyIntegrity(ctx context.Context) error {
	return l.p.VerifyIntegrity(ctx)
}
