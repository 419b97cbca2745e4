package resilience

import (
	"runtime"
	"runtime/debug"
)

// MemoryUsage is a snapshot of the process's Go memory statistics, in bytes.
type MemoryUsage struct {
	HeapAlloc uint64 `json:"heap_alloc"`
	HeapInuse uint64 `json:"heap_inuse"`
	HeapSys   uint64 `json:"heap_sys"`
	Sys       uint64 `json:"sys"` // total obtained from the OS, the closest analogue to RSS
	NumGC     uint32 `json:"num_gc"`
}

// MemoryMonitor reports usage and a high-water check. It is advisory only.
type MemoryMonitor struct {
	highWater uint64
	read      func(*runtime.MemStats)
}

// NewMemoryMonitor uses highWaterMB of live heap as the threshold; zero disables the check.
func NewMemoryMonitor(highWaterMB uint64) *MemoryMonitor {
	return &MemoryMonitor{highWater: highWaterMB << 20, read: runtime.ReadMemStats}
}

// Usage returns the current memory statistics.
func (m *MemoryMonitor) Usage() MemoryUsage {
	var ms runtime.MemStats
	m.read(&ms)
	return MemoryUsage{
		HeapAlloc: ms.HeapAlloc,
		HeapInuse: ms.HeapInuse,
		HeapSys:   ms.HeapSys,
		Sys:       ms.Sys,
		NumGC:     ms.NumGC,
	}
}

// AboveHighWater reports whether live heap exceeds the threshold.
func (m *MemoryMonitor) AboveHighWater() bool {
	return m.highWater > 0 && m.Usage().HeapAlloc > m.highWater
}

// Relieve forces a collection and returns freed pages to the OS when above the threshold.
// It reports whether it did anything.
func (m *MemoryMonitor) Relieve() bool {
	if !m.AboveHighWater() {
		return false
	}
	runtime.GC()
	debug.FreeOSMemory()
	return true
}
