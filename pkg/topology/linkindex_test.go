package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"peer-wan-console/pkg/model"
)

func TestLinkIndexIsSymmetric(t *testing.T) {
	links := []model.Link{
		{From: "a", To: "b", OK: true},
		{From: "b", To: "c", OK: false, Reason: "no telemetry"},
	}
	idx := NewLinkIndex(links)
	for _, l := range links {
		h1, k1 := idx.Healthy(l.From, l.To)
		h2, k2 := idx.Healthy(l.To, l.From)
		assert.True(t, k1)
		assert.True(t, k2)
		assert.Equal(t, l.OK, h1)
		assert.Equal(t, h1, h2)
	}
	_, known := idx.Healthy("a", "c")
	assert.False(t, known)

	l, ok := idx.Lookup("c", "b")
	assert.True(t, ok)
	assert.Equal(t, "no telemetry", l.Reason)
}

func TestLinkIndexLastWriteWins(t *testing.T) {
	idx := NewLinkIndex([]model.Link{
		{From: "a", To: "b", OK: true},
		{From: "b", To: "a", OK: false},
	})
	assert.Equal(t, 1, idx.Len())
	healthy, known := idx.Healthy("a", "b")
	assert.True(t, known)
	assert.False(t, healthy)
}

func TestNilLinkIndex(t *testing.T) {
	var idx *LinkIndex
	_, known := idx.Healthy("a", "b")
	assert.False(t, known)
	assert.Zero(t, idx.Len())
}

func TestDownLinks(t *testing.T) {
	down := DownLinks([]model.Link{{From: "a", To: "b", OK: true}, {From: "a", To: "c"}})
	assert.Equal(t, []model.Link{{From: "a", To: "c"}}, down)
	assert.NotNil(t, DownLinks(nil))
}
