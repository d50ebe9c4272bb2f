package transfer

import "strconv"

// Phase key suffixes. Sender and receiver must derive identical key
// sequences, so these strings are part of the wire contract and never
// change between versions.
const (
	suffixDirect       = "_transfer_data"
	suffixTotalBytes   = "_slice_transfer_totalbytes"
	suffixShape        = "_slice_transfer_shape"
	suffixElementSizes = "_slice_transfer_elements_size"
	suffixData         = "_slice_transfer_data_"
)

// dataSuffix addresses data slice i (flat slicing) or whole element i
// (variable-width values).
func dataSuffix(i int64) string {
	return suffixData + strconv.FormatInt(i, 10)
}

// subSliceSuffix addresses sub-slice j of oversized element i.
func subSliceSuffix(i, j int64) string {
	return suffixData + strconv.FormatInt(i, 10) + "_" + strconv.FormatInt(j, 10)
}

// slicePlan splits total bytes into slices of at most size bytes: every
// slice is full except the last, which takes the remainder. 10 bytes at
// slice size 3 travel as 3, 3, 3, 1.
type slicePlan struct {
	total int64
	size  int64
}

// count returns the number of slices, ceil(total/size).
func (p slicePlan) count() int64 {
	if p.total <= 0 {
		return 0
	}
	return (p.total + p.size - 1) / p.size
}

// offset returns the byte offset of slice i.
func (p slicePlan) offset(i int64) int64 {
	return i * p.size
}

// sliceLen returns the byte length of slice i.
func (p slicePlan) sliceLen(i int64) int64 {
	if i == p.count()-1 {
		return p.total - p.offset(i)
	}
	return p.size
}
