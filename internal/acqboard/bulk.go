package acqboard

import (
	"fmt"
	"io"
	"sync"
)

// Location says where the board put the result of a bulk request.
type Location string

const (
	// LocationLocal means the board saved the data to a file on its own storage.
	LocationLocal Location = "Local"
	// LocationRemote means the data follows on the socket.
	LocationRemote Location = "Remote"
)

// FetchResult describes a completed bulk request.
type FetchResult struct {
	// Name is the head of the '#' header, for example "DATA:HIST:DATA".
	Name     string   `json:"name"`
	Location Location `json:"location"`
	// Type is the format token from the header.
	Type string `json:"type"`
	// RemoteFile is the file name on the board for Local results.
	RemoteFile string `json:"remote_file,omitempty"`
	// Data holds the payload when no sink was given.
	Data []byte `json:"-"`
	// Bytes is the number of payload bytes received.
	Bytes int64 `json:"bytes"`
}

// bulkHeader is a parsed '#' frame.
type bulkHeader struct {
	name        string
	location    Location
	typ         string
	remoteFile  string
	blockLength int64
	total       int64
}

// bulkTransfer counts the raw bytes of one Remote transfer.
//
// The stream is never desynchronised by the destination: when the sink
// returns an error the remaining bytes are still counted and dropped, and
// the error is reported once the transfer completes.
type bulkTransfer struct {
	header    bulkHeader
	remaining int64
	sink      io.Writer
	data      []byte
	received  int64
	sinkErr   error
}

func newBulkTransfer(h bulkHeader, sink io.Writer) *bulkTransfer {
	t := &bulkTransfer{
		header:    h,
		remaining: h.total,
		sink:      sink,
	}
	if sink == nil && h.total > 0 && h.total <= maxPreallocate {
		t.data = make([]byte, 0, h.total)
	}
	return t
}

// maxPreallocate bounds the in-memory buffer reserved up front from an
// untrusted header.
const maxPreallocate = 64 << 20

// consume takes one receive step. It returns how many bytes of step belong
// to the transfer; the rest is overshoot and must go back to the line
// buffer. done reports that the transfer is complete.
func (t *bulkTransfer) consume(step []byte) (used int, done bool) {
	n := int64(len(step))
	if n > t.remaining {
		n = t.remaining
	}
	payload := step[:n]
	t.remaining -= n
	t.received += n

	if t.sink != nil {
		if t.sinkErr == nil && len(payload) > 0 {
			if _, err := t.sink.Write(payload); err != nil {
				t.sinkErr = err
			}
		}
	} else {
		t.data = append(t.data, payload...)
	}
	return int(n), t.remaining <= 0
}

// stepSize is how many bytes the next receive step should ask for.
func (t *bulkTransfer) stepSize(maxStep int) int {
	n := t.header.blockLength
	if n > int64(maxStep) {
		n = int64(maxStep)
	}
	return int(n)
}

func (t *bulkTransfer) result() (FetchResult, error) {
	res := FetchResult{
		Name:     t.header.name,
		Location: t.header.location,
		Type:     t.header.typ,
		Bytes:    t.received,
	}
	if t.sink == nil {
		res.Data = t.data
		if res.Data == nil {
			res.Data = []byte{}
		}
	}
	if t.sinkErr != nil {
		return res, fmt.Errorf("%w: write to sink: %w", ErrTransport, t.sinkErr)
	}
	return res, nil
}

// fetchSlot is the hand-off between Fetch and the listener. Fetch arms it
// with the caller's destination; the listener picks the destination up when
// the '#' header arrives and completes the waiter once the data is in.
//
// Each arm starts a new request. A transfer remembers the request it was
// started for, so a transfer abandoned by a timed-out caller can never
// complete a later request.
type fetchSlot struct {
	waiter *Waiter[FetchResult]

	mu     sync.Mutex
	seq    uint64
	armed  bool
	sink   *detachableWriter
	result FetchResult
}

func newFetchSlot() *fetchSlot {
	return &fetchSlot{waiter: NewWaiter[FetchResult]()}
}

// arm starts a request and returns its sequence number.
func (s *fetchSlot) arm(sink io.Writer) uint64 {
	s.mu.Lock()
	s.seq++
	s.armed = true
	s.sink = nil
	if sink != nil {
		s.sink = &detachableWriter{w: sink}
	}
	seq := s.seq
	s.mu.Unlock()

	s.waiter.Clear()
	return seq
}

// abandon gives up on request seq. Bytes still arriving for it are
// counted and discarded and never reach the caller's sink.
func (s *fetchSlot) abandon(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq {
		return
	}
	s.armed = false
	if s.sink != nil {
		s.sink.detach()
		s.sink = nil
	}
}

// destination returns the sink for an incoming transfer and the request it
// belongs to. A nil writer means collect in memory. Unsolicited transfers
// are discarded.
func (s *fetchSlot) destination() (sink io.Writer, seq uint64, armed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return io.Discard, s.seq, false
	}
	if s.sink == nil {
		return nil, s.seq, true
	}
	return s.sink, s.seq, true
}

func (s *fetchSlot) isArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// complete releases the caller of request seq. It reports whether a
// caller was released.
func (s *fetchSlot) complete(seq uint64, res FetchResult, err error) bool {
	s.mu.Lock()
	s.result = res
	s.result.Data = nil
	current := s.armed && s.seq == seq
	if current {
		s.armed = false
		s.sink = nil
	}
	s.mu.Unlock()

	if !current {
		return false
	}
	if err != nil {
		return s.waiter.Fail(err)
	}
	return s.waiter.Deliver(res)
}

// last returns the metadata of the most recent transfer, solicited or not.
func (s *fetchSlot) last() FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// detachableWriter forwards to w until detached, then swallows writes.
type detachableWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (d *detachableWriter) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return len(p), nil
	}
	return d.w.Write(p)
}

func (d *detachableWriter) detach() {
	d.mu.Lock()
	d.w = nil
	d.mu.Unlock()
}
