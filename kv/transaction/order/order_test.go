package order

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationOrder(t *testing.T) {
	tx0_100 := OperationID{0, 100}
	tx0_101 := OperationID{0, 101}
	tx1_40 := OperationID{1, 40}
	tx1_102 := OperationID{1, 102}
	tx1_103 := OperationID{1, 103}
	tx2_42 := OperationID{2, 42}

	assert.Equal(t, Any, CheckOrder(tx0_100, tx0_101))
	assert.Equal(t, Any, CheckOrder(tx0_101, tx0_100))

	assert.Equal(t, Unknown, CheckOrder(tx0_100, tx1_102))
	assert.Equal(t, Unknown, CheckOrder(tx1_102, tx0_100))

	assert.Equal(t, Before, CheckOrder(tx1_102, tx1_103))
	assert.Equal(t, After, CheckOrder(tx1_103, tx1_102))

	assert.Equal(t, After, CheckOrder(tx1_102, tx1_40))
	assert.Equal(t, Before, CheckOrder(tx1_102, tx2_42))
}

func TestCheckOrderMirrors(t *testing.T) {
	ids := []OperationID{{0, 1}, {0, 7}, {1, 1}, {1, 9}, {3, 2}, {3, 5}, {10, 1}, {math.MaxUint64, 3}}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			assert.Equal(t, CheckOrder(a, b).Mirror(), CheckOrder(b, a), "%v vs %v", a, b)
		}
	}
}

func TestVersionOrder(t *testing.T) {
	assert.True(t, Version{1, 5}.Less(Version{2, 0}))
	assert.True(t, Version{2, 0}.Less(Version{2, 1}))
	assert.False(t, Version{2, 1}.Less(Version{2, 1}))
	assert.True(t, Version{2, 1}.LessOrEqual(Version{2, 1}))
	assert.True(t, Version{5, 5}.Less(MaxVersion))

	assert.Equal(t, Version{3, 4}, Version{3, 5}.Prev())
	assert.Equal(t, Version{2, math.MaxUint64}, Version{3, 0}.Prev())
	assert.Equal(t, Version{}, Version{}.Prev())

	// Immediate writes at a step land after every planned write of that step.
	assert.True(t, VersionOf(OperationID{4, 1 << 40}).Less(ImmediateVersion(4)))
	assert.True(t, ImmediateVersion(4).Less(VersionOf(OperationID{5, 0})))
}

func TestOrderString(t *testing.T) {
	assert.Equal(t, "Before", Before.String())
	assert.Equal(t, "Unknown", Unknown.String())
	assert.Equal(t, "[1:2]", OperationID{1, 2}.String())
}
