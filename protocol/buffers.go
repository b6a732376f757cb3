package protocol

// Segment is a fixed-capacity scratch buffer used to coalesce queued
// output into one transmission unit.
type Segment struct {
	buf []byte
}

// NewSegment creates a Segment holding at most size bytes
func NewSegment(size int) *Segment {
	return &Segment{buf: make([]byte, 0, size)}
}

// Output appends data if it fits; it reports false and writes nothing otherwise.
func (s *Segment) Output(data []byte) bool {
	if len(s.buf)+len(data) > cap(s.buf) {
		return false
	}
	s.buf = append(s.buf, data...)
	return true
}

// Len returns the number of bytes accumulated
func (s *Segment) Len() int {
	return len(s.buf)
}

// Cap returns the segment capacity
func (s *Segment) Cap() int {
	return cap(s.buf)
}

// Result returns the accumulated output data
func (s *Segment) Result() []byte {
	return s.buf
}

// Reset clears the buffer
func (s *Segment) Reset() {
	s.buf = s.buf[:0]
}

// Ring is the circular buffer holding received bytes a handler has not
// consumed yet.
type Ring struct {
	buf   []byte
	head  int // oldest byte
	count int
}

// NewRing creates a ring able to hold capacity bytes
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]byte, capacity)}
}

// Write stores as much of data as fits and returns how much was stored
func (r *Ring) Write(data []byte) int {
	n := min(len(data), r.Free())
	tail := (r.head + r.count) % len(r.buf)
	c := copy(r.buf[tail:], data[:n])
	copy(r.buf, data[c:n])
	r.count += n
	return n
}

// Read moves up to len(data) of the oldest bytes into data
func (r *Ring) Read(data []byte) int {
	n := min(len(data), r.count)
	c := copy(data[:n], r.buf[r.head:])
	copy(data[c:n], r.buf)
	r.head = (r.head + n) % len(r.buf)
	r.count -= n
	return n
}

// PopByte removes and returns the oldest byte
func (r *Ring) PopByte() (byte, bool) {
	if r.count == 0 {
		return 0, false
	}
	b := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return b, true
}

// Available returns the number of bytes waiting to be read
func (r *Ring) Available() int {
	return r.count
}

// Free returns the room left for writing
func (r *Ring) Free() int {
	return len(r.buf) - r.count
}

func (r *Ring) IsEmpty() bool {
	return r.count == 0
}

// Reset drops everything buffered
func (r *Ring) Reset() {
	r.head, r.count = 0, 0
}
