package fabric

// SGE is one scatter-gather fragment.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// ScatterGatherList describes the data of one operation without copying it.
type ScatterGatherList []SGE

// Add appends the whole of b.
func (l *ScatterGatherList) Add(b *Buffer) {
	*l = append(*l, b.SGE(0, b.Len()))
}

// AddRange appends length bytes of b starting at offset.
func (l *ScatterGatherList) AddRange(b *Buffer, offset, length int) {
	*l = append(*l, b.SGE(offset, length))
}

// TotalLength sums the fragment lengths.
func (l ScatterGatherList) TotalLength() int {
	total := 0
	for _, sge := range l {
		total += int(sge.Length)
	}

	return total
}
