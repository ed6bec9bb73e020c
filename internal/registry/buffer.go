package registry

import "sync"

// Telemetry receives buffer occupancy updates. Implementations must be safe for
// concurrent use.
type Telemetry interface {
	BufferOccupancy(n int)
	BufferOverflow()
}

// commandBuffer stores staged mutations in a fixed-size ring. It is safe for
// concurrent producers and a single consumer.
type commandBuffer struct {
	mu        sync.Mutex
	data      []command
	head      int
	tail      int
	count     int
	telemetry Telemetry
}

func newCommandBuffer(capacity int, telemetry Telemetry) *commandBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &commandBuffer{
		data:      make([]command, capacity),
		telemetry: telemetry,
	}
}

func (b *commandBuffer) capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// push stages a command, returning false if the buffer is full.
func (b *commandBuffer) push(cmd command) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		if b.telemetry != nil {
			b.telemetry.BufferOverflow()
		}
		return false
	}
	b.data[b.tail] = cmd
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
	return true
}

// drain returns all staged commands in FIFO order and clears the buffer.
func (b *commandBuffer) drain() []command {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	commands := make([]command, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		commands[i] = b.data[idx]
		b.data[idx] = command{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeOccupancyLocked()
	return commands
}

func (b *commandBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *commandBuffer) storeOccupancyLocked() {
	if b.telemetry == nil {
		return
	}
	b.telemetry.BufferOccupancy(b.count)
}
