// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// For M actions where apply fails at index N, exactly actions N-1..0 are
// rolled back, in that order, and nothing after N is applied.
func TestRollbackCompletenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rollback covers exactly the applied actions in reverse", prop.ForAll(
		func(m, failAt int) bool {
			rec := newRecorder()
			rec.failApplyAt = failAt
			e := newTestEngine(t, rec)
			exec, err := e.SubmitPlan(context.Background(), lowPlan(m))
			if err != nil {
				return false
			}

			if failAt >= m {
				return exec.State == StateApplied && len(rec.phase(tools.PhaseRollback)) == 0
			}

			want := make([]int, 0, failAt)
			for i := failAt - 1; i >= 0; i-- {
				want = append(want, i)
			}
			applies := rec.phase(tools.PhaseApply)
			return exec.State == StateRolledBack &&
				slices.Equal(rec.phase(tools.PhaseRollback), want) &&
				len(applies) == failAt+1 &&
				applies[len(applies)-1] == failAt
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 9),
	))

	properties.TestingRun(t)
}
