package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/errors"
)

// Chunker validates incoming text spans and computes their content address.
// Normalization applies to hashing only; stored text preserves the original.
type Chunker struct {
	maxSpan int
}

func NewChunker(conf *config.MemoryConfig) *Chunker {
	return &Chunker{maxSpan: conf.MaxSpanLength}
}

func (c *Chunker) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.Wrapf(errors.ErrInvalidInput, "text span is empty")
	}
	if c.maxSpan > 0 && len(text) > c.maxSpan {
		return errors.Wrapf(errors.ErrInvalidInput, "text span is %d bytes, maximum is %d; pre-split before ingesting", len(text), c.maxSpan)
	}
	return nil
}

// Normalize collapses runs of whitespace to single spaces and lowercases,
// so hashing is insensitive to formatting drift.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte(' ')
			inSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ContentHash returns the stable content address of a text span.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
