package vectorstore

// Operator selects the distance function used by the pgvector backend.
type Operator string

const (
	OperatorCosine       Operator = "cosine"
	OperatorEuclidean    Operator = "euclidean"
	OperatorInnerProduct Operator = "inner_product"
)

// DistanceToScore converts a raw pgvector distance into a normalized
// relevance score. Cosine distance lives in [0,2], so 1-d/2 maps it onto
// [0,1]. Euclidean is unbounded and squashed with 1/(1+d). The <#> operator
// returns the negated inner product, so the score is simply -d.
func DistanceToScore(op Operator, distance float64) float64 {
	switch op {
	case OperatorCosine:
		return 1 - distance/2
	case OperatorEuclidean:
		return 1 / (1 + distance)
	case OperatorInnerProduct:
		return -distance
	default:
		return 0
	}
}

// sqlOperator returns the pgvector SQL operator for op.
func (op Operator) sqlOperator() string {
	switch op {
	case OperatorEuclidean:
		return "<->"
	case OperatorInnerProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

// Valid reports whether op names a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OperatorCosine, OperatorEuclidean, OperatorInnerProduct:
		return true
	}
	return false
}
