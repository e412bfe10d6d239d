package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceToScoreCosine(t *testing.T) {
	assert.InDelta(t, 1.0, DistanceToScore(OperatorCosine, 0), 1e-9)
	assert.InDelta(t, 0.5, DistanceToScore(OperatorCosine, 1), 1e-9)
	assert.InDelta(t, 0.0, DistanceToScore(OperatorCosine, 2), 1e-9)
}

func TestDistanceToScoreEuclidean(t *testing.T) {
	assert.InDelta(t, 1.0, DistanceToScore(OperatorEuclidean, 0), 1e-9)
	assert.InDelta(t, 0.5, DistanceToScore(OperatorEuclidean, 1), 1e-9)
}

func TestDistanceToScoreInnerProduct(t *testing.T) {
	assert.InDelta(t, 1.0, DistanceToScore(OperatorInnerProduct, -1), 1e-9)
	assert.InDelta(t, 0.0, DistanceToScore(OperatorInnerProduct, 0), 1e-9)
}

func TestOperatorSQL(t *testing.T) {
	assert.Equal(t, "<=>", OperatorCosine.sqlOperator())
	assert.Equal(t, "<->", OperatorEuclidean.sqlOperator())
	assert.Equal(t, "<#>", OperatorInnerProduct.sqlOperator())
}

func TestOperatorValid(t *testing.T) {
	assert.True(t, OperatorCosine.Valid())
	assert.False(t, Operator("manhattan").Valid())
}
