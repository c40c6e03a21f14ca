package encoder

// Range is a half-open interval [Start, End) of patch indices
type Range struct {
	Start int
	End   int
}

// Len is the number of patches in the range
func (r Range) Len() int { return r.End - r.Start }

// Batches splits n items into ceil(n/size) consecutive ranges. Every range holds
// exactly size items except possibly the last, which holds the remainder; no
// empty range is ever produced. A non-positive size puts everything in one batch.
func Batches(n, size int) []Range {
	if n <= 0 {
		return nil
	}
	if size <= 0 || size > n {
		size = n
	}

	count := (n + size - 1) / size
	out := make([]Range, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}
