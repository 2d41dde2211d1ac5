package farmer

import (
	"math"
	"strconv"
)

// ValidateQuery checks search arguments before the store is touched.
func ValidateQuery(query Embedding, section Section, topK int) error {
	if len(query) == 0 {
		return NewValidationError("query_embedding", "[]", ErrEmptyQuery)
	}
	nonzero := false
	for i, v := range query {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewValidationError("query_embedding", "index "+strconv.Itoa(i), ErrNonFiniteQuery)
		}
		if v != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		return NewValidationError("query_embedding", "zero norm", ErrZeroQuery)
	}
	if !section.Valid() {
		return NewValidationError("section", string(section), ErrUnknownSection)
	}
	if topK < 1 {
		return NewValidationError("top_k", strconv.Itoa(topK), ErrInvalidTopK)
	}
	return nil
}
