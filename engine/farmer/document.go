package farmer

import "fmt"

// VectorsField is the document key holding the per-section embeddings.
const VectorsField = "vectors"

// FromDocument materializes a key/value document into a Record. Every field
// except VectorsField lands in Profile. Unknown section keys are ignored and a
// section whose vector cannot be read as numbers is dropped, so a single bad
// field never hides the rest of the record.
func FromDocument(id string, data map[string]any) (Record, error) {
	if id == "" {
		return Record{}, NewValidationError("id", "", ErrInvalidArgument)
	}
	rec := Record{
		ID:      id,
		Profile: make(map[string]any, len(data)),
		Vectors: Vectors{},
	}
	for k, v := range data {
		if k == VectorsField {
			continue
		}
		rec.Profile[k] = v
	}

	raw, ok := data[VectorsField]
	if !ok || raw == nil {
		return rec, nil
	}
	sections, ok := raw.(map[string]any)
	if !ok {
		return rec, fmt.Errorf("farmer: %s: %s is %T, want map", id, VectorsField, raw)
	}
	for name, val := range sections {
		s := Section(name)
		if !s.Valid() {
			continue
		}
		emb, ok := toEmbedding(val)
		if !ok {
			continue
		}
		rec.Vectors[s] = emb
	}
	return rec, nil
}

// ToDocument is the inverse of FromDocument.
func ToDocument(r Record) map[string]any {
	doc := make(map[string]any, len(r.Profile)+1)
	for k, v := range r.Profile {
		doc[k] = v
	}
	if len(r.Vectors) > 0 {
		vecs := make(map[string]any, len(r.Vectors))
		for s, emb := range r.Vectors {
			vecs[string(s)] = []float64(emb)
		}
		doc[VectorsField] = vecs
	}
	return doc
}

func toEmbedding(v any) (Embedding, bool) {
	switch tv := v.(type) {
	case Embedding:
		return tv, true
	case []float64:
		return Embedding(tv), true
	case []float32:
		out := make(Embedding, len(tv))
		for i, f := range tv {
			out[i] = float64(f)
		}
		return out, true
	case []any:
		out := make(Embedding, len(tv))
		for i, e := range tv {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
