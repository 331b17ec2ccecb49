package influx

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// FakePointWriter keeps written points in memory.
type FakePointWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *FakePointWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *FakePointWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *FakePointWriter) Points() []*write.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*write.Point(nil), f.points...)
}

func (f *FakePointWriter) Flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}
