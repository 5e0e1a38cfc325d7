package acqboard

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

const (
	// errorHeadPrefix marks an asynchronous error reply.
	errorHeadPrefix = "ERROR:"

	replySigil = '@'
	bulkSigil  = '#'
)

type frameKind int

const (
	frameIgnored frameKind = iota
	frameReply
	frameAsyncError
	frameBulkLocal
	frameBulkRemote
)

// frame is one classified text line.
type frame struct {
	kind  frameKind
	head  string
	value string
	bulk  bulkHeader
}

// parseFrame classifies a line received from the board, without the
// trailing newline. Lines that start with neither '@' nor '#' are ignored.
// A malformed body yields a *FrameError wrapping ErrProtocol.
func parseFrame(line string) (frame, error) {
	if line == "" {
		return frame{kind: frameIgnored}, nil
	}
	switch line[0] {
	case replySigil:
		return parseReply(line)
	case bulkSigil:
		return parseBulkHeader(line)
	default:
		return frame{kind: frameIgnored}, nil
	}
}

// parseReply handles "@<head> <value>".
func parseReply(line string) (frame, error) {
	head, value, ok := strings.Cut(line[1:], " ")
	if !ok {
		return frame{}, newFrameError(ErrProtocol, line, "reply has no value separator")
	}
	if head == "" {
		return frame{}, newFrameError(ErrProtocol, line, "reply has empty head")
	}
	kind := frameReply
	if strings.HasPrefix(head, errorHeadPrefix) {
		kind = frameAsyncError
	}
	return frame{kind: kind, head: head, value: value}, nil
}

// parseBulkHeader handles "#<name> Local <type> <file>" and
// "#<name> Remote <type> <block_length> <total_bytes>".
func parseBulkHeader(line string) (frame, error) {
	name, rest, ok := strings.Cut(line[1:], " ")
	if !ok || name == "" {
		return frame{}, newFrameError(ErrProtocol, line, "bulk header has no location")
	}
	location, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return frame{}, newFrameError(ErrProtocol, line, "bulk header has no type")
	}
	typ, rest, _ := strings.Cut(rest, " ")
	if typ == "" {
		return frame{}, newFrameError(ErrProtocol, line, "bulk header has empty type")
	}

	h := bulkHeader{name: name, location: Location(location), typ: typ}

	switch h.location {
	case LocationLocal:
		h.remoteFile = rest
		return frame{kind: frameBulkLocal, head: name, bulk: h}, nil

	case LocationRemote:
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return frame{}, newFrameError(ErrProtocol, line, "remote header needs block length and total bytes")
		}
		blockLength, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || blockLength <= 0 {
			return frame{}, newFrameError(ErrProtocol, line, "invalid block length")
		}
		total, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || total < 0 {
			return frame{}, newFrameError(ErrProtocol, line, "invalid total bytes")
		}
		h.blockLength = blockLength
		h.total = total
		return frame{kind: frameBulkRemote, head: name, bulk: h}, nil

	default:
		return frame{}, newFrameError(ErrProtocol, line, "unknown location "+strconv.Quote(location))
	}
}

// demuxEvents receives notifications from the demultiplexer. Calls are made
// on the listener goroutine and must not block.
type demuxEvents interface {
	reply(name, raw string)
	asyncError(rec ErrorRecord)
	frameError(err error)
	transferDone(res FetchResult, err error)
}

// demux reassembles frames from raw socket bytes and routes them. It owns
// the Line/Binary mode switch and is driven only by the listener goroutine.
type demux struct {
	registry *Registry
	errors   *ErrorSink
	fetch    *fetchSlot
	stats    *counters
	events   demuxEvents
	now      func() time.Time

	pending bytes.Buffer

	// transfer is non-nil while in Binary mode.
	transfer    *bulkTransfer
	transferSeq uint64

	maxLine int
	maxStep int
}

func newDemux(reg *Registry, sink *ErrorSink, fetch *fetchSlot, stats *counters, events demuxEvents, maxLine, maxStep int) *demux {
	return &demux{
		registry: reg,
		errors:   sink,
		fetch:    fetch,
		stats:    stats,
		events:   events,
		now:      time.Now,
		maxLine:  maxLine,
		maxStep:  maxStep,
	}
}

// binary reports whether the demux is counting raw bulk bytes.
func (d *demux) binary() bool {
	return d.transfer != nil
}

// readSize returns how many bytes the next socket read should request.
func (d *demux) readSize(chunk int) int {
	if d.transfer == nil {
		return chunk
	}
	n := d.transfer.stepSize(d.maxStep) - d.pending.Len()
	if n < 1 {
		n = 1
	}
	return n
}

// ingest appends freshly read bytes and processes everything complete.
func (d *demux) ingest(chunk []byte) {
	d.pending.Write(chunk)
	d.drain()
}

// drain processes buffered bytes until more input is needed.
func (d *demux) drain() {
	for {
		if d.transfer != nil {
			if d.pending.Len() == 0 {
				return
			}
			step := d.pending.Bytes()
			if size := d.transfer.stepSize(d.maxStep); len(step) > size {
				step = step[:size]
			}
			used, done := d.transfer.consume(step)
			d.pending.Next(used)
			if done {
				d.finishTransfer()
			}
			continue
		}

		buf := d.pending.Bytes()
		i := bytes.IndexByte(buf, frameTerminator)
		if i < 0 {
			if d.pending.Len() > d.maxLine {
				d.protocolError(newFrameError(ErrProtocol, string(buf), "line exceeds maximum length without newline"), false)
				d.pending.Reset()
			}
			return
		}
		line := string(buf[:i])
		d.pending.Next(i + 1)
		d.handleLine(line)
	}
}

func (d *demux) handleLine(line string) {
	d.stats.framesRx.Add(1)

	f, err := parseFrame(line)
	if err != nil {
		d.protocolError(err, line[0] == bulkSigil)
		return
	}

	switch f.kind {
	case frameIgnored:
		d.stats.framesDropped.Add(1)

	case frameAsyncError:
		d.recordError(ErrorRecord{
			Severity:   severityForHead(f.head),
			Head:       f.head,
			Message:    f.value,
			ReceivedAt: d.now(),
		})
		d.stats.asyncErrors.Add(1)

	case frameReply:
		p, ok := d.registry.Lookup(f.head)
		if !ok {
			d.stats.unknownReplies.Add(1)
			d.recordError(ErrorRecord{
				Severity:   SeverityUnrecognized,
				Head:       f.head,
				Message:    "@" + f.head + " val:" + f.value,
				ReceivedAt: d.now(),
			})
			if d.events != nil {
				d.events.frameError(newFrameError(ErrUnknownParameter, line, "no parameter registered for head"))
			}
			return
		}
		p.deliver(f.value)
		d.stats.replies.Add(1)
		if d.events != nil {
			d.events.reply(p.Name, f.value)
		}

	case frameBulkLocal:
		_, seq, _ := d.fetch.destination()
		res := FetchResult{
			Name:       f.bulk.name,
			Location:   LocationLocal,
			Type:       f.bulk.typ,
			RemoteFile: f.bulk.remoteFile,
		}
		d.completeTransfer(seq, res, nil)

	case frameBulkRemote:
		sink, seq, _ := d.fetch.destination()
		t := newBulkTransfer(f.bulk, sink)
		if f.bulk.total == 0 {
			res, err := t.result()
			d.completeTransfer(seq, res, err)
			return
		}
		d.transfer = t
		d.transferSeq = seq
	}
}

func (d *demux) finishTransfer() {
	t := d.transfer
	seq := d.transferSeq
	d.transfer = nil
	d.transferSeq = 0

	res, err := t.result()
	d.completeTransfer(seq, res, err)
}

func (d *demux) completeTransfer(seq uint64, res FetchResult, err error) {
	d.stats.bulkTransfers.Add(1)
	d.stats.bulkBytes.Add(uint64(res.Bytes)) //nolint:gosec // byte counts are never negative
	if err != nil {
		d.stats.errorsTotal.Add(1)
	}
	d.fetch.complete(seq, res, err)
	if d.events != nil {
		d.events.transferDone(res, err)
	}
}

func (d *demux) recordError(rec ErrorRecord) {
	d.errors.Append(rec)
	if d.events != nil {
		d.events.asyncError(rec)
	}
}

// protocolError counts and reports a dropped frame. A broken bulk header
// while a fetch is waiting releases that fetch.
func (d *demux) protocolError(err error, bulkHeader bool) {
	d.stats.protocolErrors.Add(1)
	d.stats.errorsTotal.Add(1)
	if bulkHeader {
		if _, seq, armed := d.fetch.destination(); armed {
			d.fetch.complete(seq, FetchResult{}, err)
		}
	}
	if d.events != nil {
		d.events.frameError(err)
	}
}

// listen is the listener goroutine: the only reader of the socket.
//
// It polls with a read deadline of one poll interval so a Close is
// observed within that interval. On exit it closes the socket, then marks
// the listener as finished so blocked callers are released.
func (c *Client) listen() {
	defer c.done.Close()
	defer close(c.listenerDone)
	defer func() {
		if err := c.transport.close(); err != nil && !c.isClosed() {
			c.logDebug("close transport", "error", err)
		}
	}()
	defer c.markDisconnected()

	size := c.cfg.ReadChunkSize
	if c.cfg.MaxStep > size {
		size = c.cfg.MaxStep
	}
	buf := make([]byte, size)

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		n, err := c.transport.readChunk(buf[:c.demux.readSize(c.cfg.ReadChunkSize)])
		if n > 0 {
			c.demux.ingest(buf[:n])
		}
		if err != nil {
			if c.isClosed() {
				return
			}
			c.stats.errorsTotal.Add(1)
			c.logError("read failed, stopping listener", err)
			c.setLastError(err)
			return
		}
	}
}
