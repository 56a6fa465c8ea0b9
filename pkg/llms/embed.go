package llms

import (
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbeddingDim is the dimension of the deterministic fallback embedding.
const HashEmbeddingDim = 256

// HashEmbedding produces a deterministic pseudo-embedding from token
// hashes. Providers without an embeddings endpoint (anthropic, gemini in
// offline mode) and the local driver use it so relevance scoring and L3
// recall keep working: similar token bags map to similar vectors.
func HashEmbedding(text string) []float32 {
	vec := make([]float32, HashEmbeddingDim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec
	}

	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,;:!?\"'()[]{}")))
		sum := h.Sum32()
		idx := int(sum % HashEmbeddingDim)
		// Signed contribution keeps vectors from collapsing toward a
		// single orthant.
		if sum&1 == 0 {
			vec[idx] += 1
		} else {
			vec[idx] -= 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// CosineSimilarity computes the cosine of two vectors; mismatched or empty
// vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
