package ingress

import "runtime"

// readAllocBytes reports current heap allocation for the /status snapshot.
func readAllocBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
