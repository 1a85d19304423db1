package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"peer-wan-console/pkg/model"
)

// Op is one recorded rule edit.
type Op struct {
	NodeID   string    `json:"nodeId"`
	RuleHash string    `json:"ruleHash"`
	Op       string    `json:"op"` // add/remove/submit
	Detail   string    `json:"detail"`
	Time     time.Time `json:"time"`
}

// Journal is a local SQLite log of rule edits per node.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS policy_ops(node_id TEXT, rule_hash TEXT, op TEXT, detail TEXT, ts INTEGER);
CREATE INDEX IF NOT EXISTS idx_policy_ops_node ON policy_ops(node_id, ts);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// HashRule produces a stable hash for a rule so edits of the same rule group together.
func HashRule(rule model.PolicyRule) string {
	b, _ := json.Marshal(rule.Clone())
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Record appends one edit. The rule JSON is stored as detail.
func (j *Journal) Record(ctx context.Context, nodeID, op string, rule model.PolicyRule) error {
	detail, err := json.Marshal(rule.Clone())
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `INSERT INTO policy_ops(node_id, rule_hash, op, detail, ts) VALUES(?,?,?,?,?)`,
		nodeID, HashRule(rule), op, string(detail), j.now().UnixNano())
	if err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// List returns the newest edits for a node first. limit <= 0 means 50.
func (j *Journal) List(ctx context.Context, nodeID string, limit int) ([]Op, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `SELECT node_id, rule_hash, op, detail, ts FROM policy_ops WHERE node_id=? ORDER BY ts DESC, rowid DESC LIMIT ?`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal list: %w", err)
	}
	defer rows.Close()
	out := []Op{}
	for rows.Next() {
		var op Op
		var ts int64
		if err := rows.Scan(&op.NodeID, &op.RuleHash, &op.Op, &op.Detail, &ts); err != nil {
			return nil, err
		}
		op.Time = time.Unix(0, ts)
		out = append(out, op)
	}
	return out, rows.Err()
}

// Purge drops all edits of rules no longer present in the node's policy.
func (j *Journal) Purge(ctx context.Context, nodeID string, current []model.PolicyRule) (int64, error) {
	keep := make(map[string]struct{}, len(current))
	for _, r := range current {
		keep[HashRule(r)] = struct{}{}
	}
	stale, err := j.staleHashes(ctx, nodeID, keep)
	if err != nil {
		return 0, fmt.Errorf("journal purge: %w", err)
	}
	var total int64
	for _, h := range stale {
		res, err := j.db.ExecContext(ctx, `DELETE FROM policy_ops WHERE node_id=? AND rule_hash=?`, nodeID, h)
		if err != nil {
			return total, fmt.Errorf("journal purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (j *Journal) staleHashes(ctx context.Context, nodeID string, keep map[string]struct{}) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT rule_hash FROM policy_ops WHERE node_id=?`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stale []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		if _, ok := keep[h]; !ok {
			stale = append(stale, h)
		}
	}
	return stale, rows.Err()
}

// Close releases the database.
func (j *Journal) Close() error { return j.db.Close() }
