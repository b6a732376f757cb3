package protocol

// OutputQueue is the bounded queue of chunks waiting to be sent on one
// connection. It holds a fixed number of slots, each at most chunkSize
// bytes, and reuses their storage. Consecutive chunks are coalesced into a
// single transmission of up to one MSS.
type OutputQueue struct {
	slots     [][]byte
	head      int
	count     int
	chunkSize int
	inflight  int
	seg       *Segment

	bytesSent uint64
}

// NewOutputQueue creates a queue with the given number of slots.
// chunkSize is clamped to mss so any single chunk fits in one segment.
func NewOutputQueue(slots, chunkSize, mss int) *OutputQueue {
	if slots < 1 {
		slots = 1
	}
	if mss <= 0 {
		mss = DefaultMSS
	}
	if chunkSize <= 0 || chunkSize > mss {
		chunkSize = mss
	}
	q := &OutputQueue{
		slots:     make([][]byte, slots),
		chunkSize: chunkSize,
		seg:       NewSegment(mss),
	}
	for i := range q.slots {
		q.slots[i] = make([]byte, 0, chunkSize)
	}
	return q
}

// Slots returns the queue capacity in chunks
func (q *OutputQueue) Slots() int {
	return len(q.slots)
}

// Len returns the number of queued chunks, including those in flight
func (q *OutputQueue) Len() int {
	return q.count
}

// Free returns the number of unused slots
func (q *OutputQueue) Free() int {
	return len(q.slots) - q.count
}

// ChunkSize returns the largest chunk a slot holds
func (q *OutputQueue) ChunkSize() int {
	return q.chunkSize
}

// SlotsFor returns how many slots n bytes occupy
func (q *OutputQueue) SlotsFor(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + q.chunkSize - 1) / q.chunkSize
}

// Fits reports whether n bytes can be queued now
func (q *OutputQueue) Fits(n int) bool {
	return q.SlotsFor(n) <= q.Free()
}

// Enqueue splits b into chunks and queues them. It queues nothing and
// returns false when there is not enough room for all of b.
func (q *OutputQueue) Enqueue(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	if !q.Fits(len(b)) {
		return false
	}
	for len(b) > 0 {
		n := len(b)
		if n > q.chunkSize {
			n = q.chunkSize
		}
		idx := (q.head + q.count) % len(q.slots)
		q.slots[idx] = append(q.slots[idx][:0], b[:n]...)
		q.count++
		b = b[n:]
	}
	return true
}

// EnqueueSome queues as many whole chunks of b as there are free slots
// and returns the number of bytes taken.
func (q *OutputQueue) EnqueueSome(b []byte) int {
	taken := 0
	for len(b) > 0 && q.Free() > 0 {
		n := len(b)
		if n > q.chunkSize {
			n = q.chunkSize
		}
		idx := (q.head + q.count) % len(q.slots)
		q.slots[idx] = append(q.slots[idx][:0], b[:n]...)
		q.count++
		b = b[n:]
		taken += n
	}
	return taken
}

// Pending reports whether any data is queued or unacknowledged
func (q *OutputQueue) Pending() bool {
	return q.count > 0
}

// InFlight returns the number of bytes sent and not yet acknowledged
func (q *OutputQueue) InFlight() int {
	return q.inflight
}

// BytesSent returns the total number of acknowledged bytes
func (q *OutputQueue) BytesSent() uint64 {
	return q.bytesSent
}

// Transmit coalesces queued chunks into one segment and hands it to c.
// Nothing happens while an earlier segment is unacknowledged.
func (q *OutputQueue) Transmit(c Conn) int {
	if q.inflight > 0 || q.count == 0 {
		return 0
	}
	q.seg.Reset()
	for i := 0; i < q.count; i++ {
		chunk := q.slots[(q.head+i)%len(q.slots)]
		if !q.seg.Output(chunk) {
			break
		}
	}
	n := c.Send(q.seg.Result())
	q.inflight = n
	return n
}

// Ack releases the bytes of the last transmission
func (q *OutputQueue) Ack() {
	q.bytesSent += uint64(q.inflight)
	for q.inflight > 0 && q.count > 0 {
		chunk := q.slots[q.head]
		if len(chunk) <= q.inflight {
			q.inflight -= len(chunk)
			q.slots[q.head] = chunk[:0]
			q.head = (q.head + 1) % len(q.slots)
			q.count--
			continue
		}
		n := copy(chunk, chunk[q.inflight:])
		q.slots[q.head] = chunk[:n]
		q.inflight = 0
	}
	q.inflight = 0
}

// Reset drops everything queued
func (q *OutputQueue) Reset() {
	for i := range q.slots {
		q.slots[i] = q.slots[i][:0]
	}
	q.head = 0
	q.count = 0
	q.inflight = 0
}
