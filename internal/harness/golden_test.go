package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/fixture"
	"github.com/roach88/qplan/internal/where"
)

func TestDescribeLoop(t *testing.T) {
	ix := &catalog.Index{Name: "i_ab"}
	tests := []struct {
		name string
		loop *where.Loop
		want string
	}{
		{"scan", &where.Loop{Strategy: where.FullScan}, "full-scan"},
		{"coroutine", &where.Loop{Strategy: where.Coroutine}, "coroutine"},
		{
			"range",
			&where.Loop{Strategy: where.IndexedScan, Index: ix, NEq: 1, Flags: where.LoopBtmLimit | where.LoopTopLimit},
			"indexed-scan index=i_ab eq=1 lower upper",
		},
		{
			"skip scan",
			&where.Loop{Strategy: where.IndexedScan, Index: ix, NSkip: 1, NEq: 2, Reverse: true},
			"indexed-scan index=i_ab skip=1 eq=1 reverse",
		},
		{
			"covering lookup",
			&where.Loop{Strategy: where.IndexedScan, Index: ix, NEq: 2, Flags: where.LoopIndexOnly | where.LoopOneRow},
			"indexed-scan index=i_ab eq=2 covering one-row",
		},
		{
			"or",
			&where.Loop{Strategy: where.MultiOr, Branches: []*where.Loop{
				{Strategy: where.IndexedScan, Index: ix, NEq: 1},
				{Strategy: where.FullScan},
			}},
			"multi-or [indexed-scan index=i_ab eq=1 | full-scan]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DescribeLoop(tt.loop))
		})
	}
}

func TestSnapshotError(t *testing.T) {
	f := &fixture.Fixture{Name: "broken"}

	r := &Result{Fixture: f, Err: diag.Errorf(diag.CodeLimit, "too many terms")}
	assert.Equal(t, "fixture: broken\nerror: LIMIT: too many terms\n", string(Snapshot(r)))

	r = &Result{Fixture: f, Err: errors.New("disk on fire")}
	assert.Equal(t, "fixture: broken\nerror: disk on fire\n", string(Snapshot(r)))
}
