package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/lock"
)

// HTTPLink talks to a node's Server. Transport failures surface as
// PARTITION_UNAVAILABLE; application failures come back as the structured
// error the far side raised.
type HTTPLink struct {
	node   fact.NodeID
	base   string
	client *http.Client
}

func NewHTTPLink(node fact.NodeID, baseURL string) *HTTPLink {
	return &HTTPLink{
		node:   node,
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (l *HTTPLink) Node() fact.NodeID { return l.node }

// do runs one request. A nil out skips response decoding.
func (l *HTTPLink) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.base+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return &fact.Error{
			Code:    fact.ErrCodePartitionUnavailable,
			Message: fmt.Sprintf("%s unreachable: %v", l.node, err),
			Node:    l.node,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env wireError
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return &fact.Error{
				Code:    fact.ErrCodePartitionUnavailable,
				Message: fmt.Sprintf("%s returned malformed error (status %d)", l.node, resp.StatusCode),
				Node:    l.node,
			}
		}
		return env.decodeError()
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func (l *HTTPLink) Ping(ctx context.Context) error {
	return l.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

func (l *HTTPLink) Query(ctx context.Context, q fact.Query) ([]fact.Harvest, error) {
	var rows []fact.Harvest
	if err := l.do(ctx, http.MethodPost, "/v1/query", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (l *HTTPLink) CropTotals(ctx context.Context) ([]fact.CropTotal, error) {
	var totals []fact.CropTotal
	if err := l.do(ctx, http.MethodGet, "/v1/totals", nil, &totals); err != nil {
		return nil, err
	}
	return totals, nil
}

func (l *HTTPLink) DimensionChecksum(ctx context.Context, table string) (string, error) {
	var out struct {
		Checksum string `json:"checksum"`
	}
	path := "/v1/dimensions/" + url.PathEscape(table) + "/checksum"
	if err := l.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Checksum, nil
}

func (l *HTTPLink) AuditTrail(ctx context.Context, subjectKey string) ([]fact.AuditRecord, error) {
	var trail []fact.AuditRecord
	path := "/v1/audit?subject=" + url.QueryEscape(subjectKey)
	if err := l.do(ctx, http.MethodGet, path, nil, &trail); err != nil {
		return nil, err
	}
	return trail, nil
}

func (l *HTTPLink) Exec(ctx context.Context, txID string, stmts []fact.Statement) error {
	body := struct {
		Statements []fact.Statement `json:"statements"`
	}{Statements: stmts}
	return l.do(ctx, http.MethodPost, l.txnPath(txID, "exec"), body, nil)
}

func (l *HTTPLink) Prepare(ctx context.Context, txID string) error {
	return l.do(ctx, http.MethodPost, l.txnPath(txID, "prepare"), nil, nil)
}

func (l *HTTPLink) CommitPrepared(ctx context.Context, txID string) error {
	return l.do(ctx, http.MethodPost, l.txnPath(txID, "commit"), nil, nil)
}

func (l *HTTPLink) RollbackPrepared(ctx context.Context, txID string) error {
	return l.do(ctx, http.MethodPost, l.txnPath(txID, "rollback"), nil, nil)
}

func (l *HTTPLink) Abort(ctx context.Context, txID string) error {
	return l.do(ctx, http.MethodPost, l.txnPath(txID, "abort"), nil, nil)
}

func (l *HTTPLink) txnPath(txID, action string) string {
	return "/v1/txn/" + url.PathEscape(txID) + "/" + action
}

func (l *HTTPLink) ListPrepared(ctx context.Context, pendingOnly bool) ([]fact.PreparedTxn, error) {
	path := "/v1/txn/prepared"
	if pendingOnly {
		path += "?pending=1"
	}
	var txns []fact.PreparedTxn
	if err := l.do(ctx, http.MethodGet, path, nil, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

func (l *HTTPLink) Locks(ctx context.Context) ([]lock.Info, error) {
	var locks []lock.Info
	if err := l.do(ctx, http.MethodGet, "/v1/locks", nil, &locks); err != nil {
		return nil, err
	}
	return locks, nil
}

func (l *HTTPLink) GetRule(ctx context.Context, key string) (fact.Rule, bool, error) {
	var rule fact.Rule
	err := l.do(ctx, http.MethodGet, "/v1/rules/"+key, nil, &rule)
	if err != nil {
		// An unconfigured rule is absence, not failure.
		var fe *fact.Error
		if errors.As(err, &fe) && string(fe.Code) == ruleNotFoundCode {
			return fact.Rule{}, false, nil
		}
		return fact.Rule{}, false, err
	}
	return rule, true, nil
}

func (l *HTTPLink) SetRule(ctx context.Context, r fact.Rule) error {
	return l.do(ctx, http.MethodPut, "/v1/rules/"+r.Key, r, nil)
}

func (l *HTTPLink) UpsertField(ctx context.Context, f fact.Field) error {
	return l.do(ctx, http.MethodPut, "/v1/fields", f, nil)
}

func (l *HTTPLink) UpsertCrop(ctx context.Context, c fact.Crop) error {
	return l.do(ctx, http.MethodPut, "/v1/crops", c, nil)
}

func (l *HTTPLink) VerifyIntegrity(ctx context.Context) error {
	return l.do(ctx, http.MethodPost, "/v1/verify", nil, nil)
}
