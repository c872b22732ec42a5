package rewrite

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Splice returns a copy of src with every replacement applied. Spans refer
// to the original buffer; they are applied back-to-front so earlier offsets
// stay valid. Overlapping spans, out-of-range spans and spans whose current
// text is not Old are rejected, and src is never modified.
func Splice(src []byte, replacements []model.Replacement) ([]byte, error) {
	ordered := make([]model.Replacement, len(replacements))
	copy(ordered, replacements)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Span.Start > ordered[j].Span.Start
	})

	for i, r := range ordered {
		if !r.Span.Valid(len(src)) {
			return nil, fmt.Errorf("span [%d,%d) outside buffer of %d bytes", r.Span.Start, r.Span.End, len(src))
		}
		if !bytes.Equal(src[r.Span.Start:r.Span.End], []byte(r.Old)) {
			return nil, fmt.Errorf("span [%d,%d) reads %q, expected %q",
				r.Span.Start, r.Span.End, src[r.Span.Start:r.Span.End], r.Old)
		}
		if i > 0 && r.Span.End > ordered[i-1].Span.Start {
			return nil, fmt.Errorf("span [%d,%d) overlaps [%d,%d)",
				r.Span.Start, r.Span.End, ordered[i-1].Span.Start, ordered[i-1].Span.End)
		}
	}

	out := make([]byte, len(src))
	copy(out, src)
	for _, r := range ordered {
		var b bytes.Buffer
		b.Grow(len(out) - r.Span.Len() + len(r.New))
		b.Write(out[:r.Span.Start])
		b.WriteString(r.New)
		b.Write(out[r.Span.End:])
		out = b.Bytes()
	}
	return out, nil
}
