package entrypoint

import "encoding/binary"

// Compute budget instruction discriminants.
const (
	// RequestHeapFrame asks for a larger heap. The payload is a u32 count
	// of HeapPageSize pages.
	RequestHeapFrame uint8 = 1
)

// HeapPageSize is the unit of heap requests.
const HeapPageSize = 1024

// ParseRequestHeapFrame decodes a compute budget instruction payload and
// returns the requested heap size in bytes if it is a RequestHeapFrame.
//
// The payload is a one byte discriminant followed by the little-endian
// fields of the variant. Anything other than exactly a RequestHeapFrame
// discriminant and four bytes is not a match; that is expected for other
// compute budget instructions and is not an error.
func ParseRequestHeapFrame(payload []byte) (uint64, bool) {
	if len(payload) != 5 || payload[0] != RequestHeapFrame {
		return 0, false
	}
	return uint64(binary.LittleEndian.Uint32(payload[1:])) * HeapPageSize, true
}
