package local

import (
	"context"
	"hash/fnv"
	"log"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
)

// HashingEmbedder returns a deterministic bag-of-words embedding: every token
// is hashed into one of dims buckets with a hash-derived sign, then the vector
// is normalized. Texts sharing words end up close, which is enough for local runs.
func HashingEmbedder(dims int) chromem.EmbeddingFunc {
	if dims <= 0 {
		dims = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		for _, token := range tokenize(text) {
			h := fnv.New64a()
			_, _ = h.Write([]byte(token))
			sum := h.Sum64()
			bucket := int(sum % uint64(dims))
			if sum&(1<<63) != 0 {
				vec[bucket] -= 1
			} else {
				vec[bucket] += 1
			}
		}
		return normalize(vec), nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// normalize converts the vector to unit length; a zero vector gets a single
// non-zero component so cosine similarity stays defined.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		if len(vec) > 0 {
			vec[0] = 1
		}
		return vec
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// NewEmbeddingFunc 有 OPENAI_API_KEY 时使用 OpenAI 向量，否则退回本地哈希向量。
func NewEmbeddingFunc(cfg config.MemoryConfig) chromem.EmbeddingFunc {
	if cfg.OpenAIAPIKey != "" {
		log.Printf("[local-memory] using OpenAI embeddings model=%s", cfg.EmbeddingModel)
		return chromem.NewEmbeddingFuncOpenAI(cfg.OpenAIAPIKey, chromem.EmbeddingModelOpenAI(cfg.EmbeddingModel))
	}
	log.Printf("[local-memory] OPENAI_API_KEY not set, using hashing embeddings dims=%d", cfg.EmbedDimensions)
	return HashingEmbedder(cfg.EmbedDimensions)
}
