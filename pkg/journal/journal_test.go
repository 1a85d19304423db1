package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-wan-console/pkg/model"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "sub", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndList(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	r1 := model.PolicyRule{Prefix: "10.0.0.0/8", Domains: []string{}, ViaNode: "C", Path: []string{"B", "C"}}
	r2 := model.PolicyRule{Domains: []string{"a.com"}, ViaNode: "B"}

	require.NoError(t, j.Record(ctx, "A", "add", r1))
	require.NoError(t, j.Record(ctx, "A", "add", r2))
	require.NoError(t, j.Record(ctx, "A", "remove", r2))
	require.NoError(t, j.Record(ctx, "B", "add", r1))

	ops, err := j.List(ctx, "A", 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "remove", ops[0].Op)
	assert.Equal(t, HashRule(r2), ops[0].RuleHash)
	assert.Equal(t, HashRule(r1), ops[2].RuleHash)
	assert.JSONEq(t, `{"prefix":"10.0.0.0/8","domains":[],"viaNode":"C","path":["B","C"]}`, ops[2].Detail)
	assert.True(t, ops[0].Time.After(ops[2].Time))

	ops, err = j.List(ctx, "A", 1)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestPurgeDropsRemovedRules(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	keep := model.PolicyRule{Prefix: "1.1.1.1", Domains: []string{}, ViaNode: "B"}
	gone := model.PolicyRule{Prefix: "2.2.2.2", Domains: []string{}, ViaNode: "B"}
	require.NoError(t, j.Record(ctx, "A", "add", keep))
	require.NoError(t, j.Record(ctx, "A", "add", gone))
	require.NoError(t, j.Record(ctx, "A", "submit", gone))

	n, err := j.Purge(ctx, "A", []model.PolicyRule{keep})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	ops, err := j.List(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, HashRule(keep), ops[0].RuleHash)
}

func TestHashRuleIsStable(t *testing.T) {
	r := model.PolicyRule{Prefix: "1.1.1.1", ViaNode: "B"}
	assert.Equal(t, HashRule(r), HashRule(r.Clone()))
	assert.NotEqual(t, HashRule(r), HashRule(model.PolicyRule{Prefix: "1.1.1.2", ViaNode: "B"}))
}

func TestPurgeReportsQueryFailure(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, "A", "add", model.PolicyRule{Prefix: "1.1.1.1", ViaNode: "B"}))
	require.NoError(t, j.Close())

	n, err := j.Purge(ctx, "A", nil)
	assert.Error(t, err)
	assert.Zero(t, n)
}
