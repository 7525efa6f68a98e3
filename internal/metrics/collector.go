package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// KeyCounter reports how many keys the node holds.
type KeyCounter interface {
	Len() int64
}

// Collector samples process, host and store gauges.
type Collector struct {
	startTime time.Time
	keys      KeyCounter
}

// NewCollector creates a collector. keys may be nil.
func NewCollector(keys KeyCounter) *Collector {
	return &Collector{
		startTime: time.Now(),
		keys:      keys,
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectHostMemory()
	c.collectUptime()
	if c.keys != nil {
		KeysTotal.Set(float64(c.keys.Len()))
	}
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectHostMemory() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	MemoryUsage.WithLabelValues("host_total").Set(float64(vm.Total))
	MemoryUsage.WithLabelValues("host_available").Set(float64(vm.Available))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordCommand records command execution
func RecordCommand(cmd string, duration time.Duration, status string) {
	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordRedirect records a MOVED, ASK or CLUSTERDOWN reply
func RecordRedirect(kind string) {
	RedirectsTotal.WithLabelValues(kind).Inc()
}

// RecordGossip records a gossip message sent or received
func RecordGossip(msgType, direction string) {
	GossipMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordConnection records connection count change
func RecordConnection(delta int) {
	ConnectionsTotal.Add(float64(delta))
}

// RecordElection records the outcome of an election round
func RecordElection(result string) {
	Elections.WithLabelValues(result).Inc()
}

// RecordMigration records the outcome of a slot migration
func RecordMigration(result string, keys int) {
	SlotMigrations.WithLabelValues(result).Inc()
	MigratedKeys.Add(float64(keys))
}

// RecordResync records a replica synchronization
func RecordResync(kind string) {
	Resyncs.WithLabelValues(kind).Inc()
}
