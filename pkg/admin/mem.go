package admin

import "runtime"

// MemStats is the /debug/mem payload, a trimmed view of runtime.MemStats
// plus goroutine count.
type MemStats struct {
	Alloc         uint64 `json:"alloc_bytes"`
	TotalAlloc    uint64 `json:"total_alloc_bytes"`
	Sys           uint64 `json:"sys_bytes"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	HeapInuse     uint64 `json:"heap_inuse_bytes"`
	NumGC         uint32 `json:"num_gc"`
	NumGoroutine  int    `json:"num_goroutine"`
	GCCPUFraction float64
}

func memStats() MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemStats{
		Alloc:         m.Alloc,
		TotalAlloc:    m.TotalAlloc,
		Sys:           m.Sys,
		HeapAlloc:     m.HeapAlloc,
		HeapInuse:     m.HeapInuse,
		NumGC:         m.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		GCCPUFraction: m.GCCPUFraction,
	}
}
