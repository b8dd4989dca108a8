package ring

import (
	"unsafe"

	"github.com/gotsp/tsp/internal/tspacket"
)

// sliceBytes reinterprets a packet slot slice as a flat byte slice so it
// can be handed to unix.Mlock/Munlock, which operate on raw memory
// ranges rather than typed Go slices.
func sliceBytes(s []tspacket.Slot) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*tspacket.Size)
}

// metadataBytes reinterprets a metadata slice as a flat byte slice for
// the same reason.
func metadataBytes(m []tspacket.Metadata) []byte {
	if len(m) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&m[0])), len(m)*int(unsafe.Sizeof(m[0])))
}
