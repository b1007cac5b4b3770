package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/furrowdb/furrow/internal/fact"
)

var decisionsBucket = []byte("decisions")

// Decision is one durable commit decision. Only commits are logged: under
// presumed abort, the absence of a record is itself the abort decision.
type Decision struct {
	TxID         string        `json:"tx_id"`
	Participants []fact.NodeID `json:"participants"`
	RecordedAt   time.Time     `json:"recorded_at"`

	// Resolved flips once every participant acknowledged the commit. An
	// unresolved decision is exactly what the recovery sweep must finish.
	Resolved bool `json:"resolved"`
}

// DecisionLog is the coordinator's authoritative record of commit decisions,
// kept in a bolt file separate from any participant state. A transaction is
// decided the moment its record hits this log, whatever happens afterwards.
type DecisionLog struct {
	db *bolt.DB
}

func OpenDecisionLog(path string) (*DecisionLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open decision log %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(decisionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open decision log %s: %w", path, err)
	}
	return &DecisionLog{db: db}, nil
}

func (l *DecisionLog) Close() error {
	return l.db.Close()
}

// RecordCommit makes the commit decision durable. Returning without error
// means the decision survives a coordinator crash; only then may any
// participant be told to commit.
func (l *DecisionLog) RecordCommit(txID string, participants []fact.NodeID) error {
	d := Decision{
		TxID:         txID,
		Participants: participants,
		RecordedAt:   time.Now().UTC(),
	}
	buf, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("record decision %s: %w", txID, err)
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(decisionsBucket).Put([]byte(txID), buf)
	})
	if err != nil {
		return fmt.Errorf("record decision %s: %w", txID, err)
	}
	return nil
}

// Get looks up the decision for txID. ok=false means no commit was ever
// decided, which under presumed abort reads as an abort.
func (l *DecisionLog) Get(txID string) (Decision, bool, error) {
	var d Decision
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(decisionsBucket).Get([]byte(txID))
		if buf == nil {
			return nil
		}
		found = true
		return json.Unmarshal(buf, &d)
	})
	if err != nil {
		return Decision{}, false, fmt.Errorf("read decision %s: %w", txID, err)
	}
	return d, found, nil
}

// MarkResolved records that every participant acknowledged the commit.
func (l *DecisionLog) MarkResolved(txID string) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(decisionsBucket)
		buf := b.Get([]byte(txID))
		if buf == nil {
			return fmt.Errorf("no decision recorded")
		}
		var d Decision
		if err := json.Unmarshal(buf, &d); err != nil {
			return err
		}
		d.Resolved = true
		out, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(txID), out)
	})
	if err != nil {
		return fmt.Errorf("mark resolved %s: %w", txID, err)
	}
	return nil
}

// Unresolved returns commit decisions still waiting on acknowledgements.
func (l *DecisionLog) Unresolved() ([]Decision, error) {
	var out []Decision
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(decisionsBucket).ForEach(func(_, buf []byte) error {
			var d Decision
			if err := json.Unmarshal(buf, &d); err != nil {
				return err
			}
			if !d.Resolved {
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list unresolved decisions: %w", err)
	}
	return out, nil
}
