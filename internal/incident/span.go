package incident

import (
	"fmt"
	"slices"
)

// Span is the unit of work owned by one worker: the half-open range
// [Lower, Upper). When IDs is non-nil only those IDs are visited; they are
// sorted, unique, and fall inside the range.
type Span struct {
	Lower RecordID
	Upper RecordID
	IDs   []RecordID
}

// Len reports how many IDs the span visits.
func (s Span) Len() int {
	if s.IDs != nil {
		return len(s.IDs)
	}
	if s.Upper <= s.Lower {
		return 0
	}
	return int(s.Upper - s.Lower)
}

// Key identifies the span's partition. Both bounds are carried so spans
// sharing leading digits never map to the same file.
func (s Span) Key() string {
	return fmt.Sprintf("%d-%d", s.Lower, s.Upper)
}

// Each visits the span's IDs in increasing order until fn returns false.
func (s Span) Each(fn func(RecordID) bool) {
	if s.IDs != nil {
		for _, id := range s.IDs {
			if !fn(id) {
				return
			}
		}
		return
	}
	for id := s.Lower; id < s.Upper; id++ {
		if !fn(id) {
			return
		}
	}
}

// SplitRange partitions [lower, upper) into at most n contiguous, pairwise
// disjoint spans whose union is the whole range. Earlier spans absorb the
// remainder so sizes differ by at most one.
func SplitRange(lower, upper RecordID, n int) []Span {
	if upper <= lower {
		return nil
	}
	total := int64(upper - lower)
	if n <= 0 {
		n = 1
	}
	if int64(n) > total {
		n = int(total)
	}
	size := total / int64(n)
	rem := total % int64(n)
	spans := make([]Span, 0, n)
	start := lower
	for i := 0; i < n; i++ {
		width := size
		if int64(i) < rem {
			width++
		}
		end := start + RecordID(width)
		spans = append(spans, Span{Lower: start, Upper: end})
		start = end
	}
	return spans
}

// SplitBySize partitions [lower, upper) into contiguous spans of at most
// size IDs each.
func SplitBySize(lower, upper RecordID, size int) []Span {
	if upper <= lower {
		return nil
	}
	if size <= 0 {
		return []Span{{Lower: lower, Upper: upper}}
	}
	var spans []Span
	for start := lower; start < upper; start += RecordID(size) {
		end := min(start+RecordID(size), upper)
		spans = append(spans, Span{Lower: start, Upper: end})
	}
	return spans
}

// SplitIDs partitions a seed list into at most n spans of consecutive IDs.
// The input is sorted and de-duplicated first; each span's bounds cover
// exactly its own IDs so spans never overlap.
func SplitIDs(ids []RecordID, n int) []Span {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if len(sorted) == 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	size := len(sorted) / n
	rem := len(sorted) % n
	spans := make([]Span, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		width := size
		if i < rem {
			width++
		}
		chunk := sorted[start : start+width]
		spans = append(spans, Span{
			Lower: chunk[0],
			Upper: chunk[len(chunk)-1] + 1,
			IDs:   chunk,
		})
		start += width
	}
	return spans
}
