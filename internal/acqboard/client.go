package acqboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// defaultConnectTimeout bounds dialling plus the board type probe.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single command write.
	defaultWriteTimeout = 5 * time.Second

	// defaultPollInterval is how long one listener read waits for data, and
	// so the worst-case latency of Close.
	defaultPollInterval = 100 * time.Millisecond

	// defaultReadChunkSize is the text-mode read size.
	defaultReadChunkSize = 128

	// defaultMaxStep caps a single binary receive step, whatever block
	// length the board announces.
	defaultMaxStep = 1 << 20

	// defaultMaxLineLength bounds a text frame; longer garbage without a
	// newline is dropped.
	defaultMaxLineLength = 64 << 10

	// eventQueueSize is the buffer size for the callback queue.
	eventQueueSize = 100

	// boardTypeQuery asks the board for its family before the listener runs.
	boardTypeQuery = "CONFIG:BOARD_TYPE?"
	boardTypeHead  = "CONFIG:BOARD_TYPE"
)

// Board families understood by this package.
const (
	BoardADC8  = "ADC8"
	BoardADC14 = "ADC14"
)

// SupportedBoards lists the accepted answers to the board type probe.
var SupportedBoards = []string{BoardADC8, BoardADC14}

// Config holds board connection settings.
type Config struct {
	// Connection is "tcp://host:port" or "unix:///path/to/socket".
	Connection string

	// ConnectTimeout bounds dialling and the board type probe. Default 10s.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single command write. Default 5s.
	WriteTimeout time.Duration

	// PollInterval is the listener's read deadline. Default 100ms.
	PollInterval time.Duration

	// GetTimeout bounds Get and Fetch calls whose context has no deadline.
	// Zero waits until the reply arrives or the connection goes down.
	GetTimeout time.Duration

	// ReadChunkSize is the text-mode read size. Default 128.
	ReadChunkSize int

	// MaxStep caps one binary receive step. Default 1 MiB.
	MaxStep int

	// MaxLineLength bounds one text frame. Default 64 KiB.
	MaxLineLength int

	// BoardType skips the probe when set.
	BoardType string

	// Parameters replaces the built-in profile for the board type when non-nil.
	Parameters []ParamSpec
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = defaultReadChunkSize
	}
	if c.MaxStep <= 0 {
		c.MaxStep = defaultMaxStep
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = defaultMaxLineLength
	}
	if c.GetTimeout < 0 {
		c.GetTimeout = 0
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Client is a connection to one acquisition board.
//
// A single listener goroutine reads the socket and routes every frame.
// Callers write commands and block on per-parameter waiters; replies carry
// no message IDs and are matched by parameter name.
//
// Thread Safety: all exported methods are safe for concurrent use.
// Gets of distinct parameters run concurrently; gets of the same parameter
// and all fetches are serialised.
type Client struct {
	cfg       Config
	boardType string

	transport *transport
	registry  *Registry
	errors    *ErrorSink
	fetch     *fetchSlot
	demux     *demux

	// fetchSem serialises bulk requests (at most one in flight).
	fetchSem chan struct{}

	connMu    sync.RWMutex
	connected bool
	lastErr   error

	done         *closeOnce
	listenerDone chan struct{}
	started      bool
	wg           sync.WaitGroup

	eventQueue chan func()
	callbackMu sync.RWMutex
	onError    func(ErrorRecord)
	onReply    func(name, raw string)
	onTransfer func(FetchResult, error)

	loggerMu sync.RWMutex
	logger   Logger

	stats counters
}

// Connect dials the board, probes its type, builds the parameter registry
// and starts the listener.
//
// Parameters:
//   - ctx: Context for cancellation (used for dialling and the probe)
//   - cfg: Connection configuration
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if dialling or the probe fails
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	return open(connectCtx, cfg, conn)
}

// open runs the probe on an established connection and starts the client.
func open(ctx context.Context, cfg Config, conn net.Conn) (*Client, error) {
	cfg.applyDefaults()

	var stats counters
	t := newTransport(conn, cfg, &stats)

	boardType := cfg.BoardType
	var leftover []byte
	if boardType == "" {
		var err error
		boardType, leftover, err = probeBoardType(ctx, t, cfg.MaxLineLength)
		if err != nil {
			t.close()
			return nil, fmt.Errorf("%w: board type probe: %w", ErrConnectionFailed, err)
		}
	}

	specs := cfg.Parameters
	if specs == nil {
		var err error
		specs, err = Profile(boardType)
		if err != nil {
			t.close()
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	}
	reg, err := NewRegistry(specs)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("%w: parameter table: %w", ErrConnectionFailed, err)
	}

	c := newClient(cfg, t, reg, boardType)
	c.stats.bytesTx.Store(stats.bytesTx.Load())
	c.stats.bytesRx.Store(stats.bytesRx.Load())
	c.stats.commandsTx.Store(stats.commandsTx.Load())
	t.stats = &c.stats
	if len(leftover) > 0 {
		c.demux.ingest(leftover)
	}
	c.start()
	return c, nil
}

// newClient assembles a client around an open transport without starting
// any goroutines.
func newClient(cfg Config, t *transport, reg *Registry, boardType string) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:          cfg,
		boardType:    boardType,
		transport:    t,
		registry:     reg,
		errors:       NewErrorSink(),
		fetch:        newFetchSlot(),
		fetchSem:     make(chan struct{}, 1),
		done:         newCloseOnce(),
		listenerDone: make(chan struct{}),
		eventQueue:   make(chan func(), eventQueueSize),
	}
	t.stats = &c.stats
	c.demux = newDemux(reg, c.errors, c.fetch, &c.stats, c, cfg.MaxLineLength, cfg.MaxStep)
	c.stats.touch()
	return c
}

// start launches the callback worker and the listener.
func (c *Client) start() {
	c.connMu.Lock()
	c.connected = true
	c.started = true
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.eventWorker()

	go c.listen()
}

// probeBoardType asks for the board family and reads the first reply line.
// Bytes after that line are returned for the listener.
func probeBoardType(ctx context.Context, t *transport, maxLine int) (string, []byte, error) {
	if err := t.write(ctx, boardTypeQuery); err != nil {
		return "", nil, err
	}

	var buf []byte
	chunk := make([]byte, defaultReadChunkSize)
	for {
		select {
		case <-ctx.Done():
			return "", nil, fmt.Errorf("%w: no board type reply: %w", ErrTimeout, ctx.Err())
		default:
		}

		n, err := t.readChunk(chunk)
		buf = append(buf, chunk[:n]...)
		if i := strings.IndexByte(string(buf), frameTerminator); i >= 0 {
			boardType, perr := parseBoardType(string(buf[:i]))
			return boardType, buf[i+1:], perr
		}
		if err != nil {
			return "", nil, err
		}
		if len(buf) > maxLine {
			return "", nil, newFrameError(ErrProtocol, string(buf), "board type reply too long")
		}
	}
}

// parseBoardType interprets the probe reply line.
func parseBoardType(line string) (string, error) {
	f, err := parseFrame(line)
	if err != nil {
		return "", err
	}
	switch {
	case f.kind == frameReply && f.head == boardTypeHead:
		if !slices.Contains(SupportedBoards, f.value) {
			return "", fmt.Errorf("%w: unsupported board type %q", ErrInvalidValue, f.value)
		}
		return f.value, nil
	case f.kind == frameAsyncError && severityForHead(f.head) == SeverityCritical:
		return "", fmt.Errorf("critical error: %s", f.value)
	case f.kind == frameReply || f.kind == frameAsyncError:
		return "", fmt.Errorf("unexpected reply %s: %s", f.head, f.value)
	default:
		return "", newFrameError(ErrProtocol, line, "board type reply is not an '@' frame")
	}
}

// Write sends "@<command>\n" without waiting for any reply.
//
// A transport failure stops the listener and releases every blocked caller
// with ErrNotConnected.
func (c *Client) Write(ctx context.Context, command string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.transport.write(ctx, command); err != nil {
		if errors.Is(err, ErrTransport) {
			c.stats.errorsTotal.Add(1)
			c.logError("write failed, stopping listener", err)
			c.setLastError(err)
			c.markDisconnected()
			c.done.Close()
		}
		return err
	}
	c.logDebug("command sent", "command", command)
	return nil
}

// requestContext applies GetTimeout when ctx carries no deadline.
func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.cfg.GetTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.GetTimeout)
}

// GetRaw queries a parameter and returns the reply text unparsed.
func (c *Client) GetRaw(ctx context.Context, name string) (string, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return "", err
	}
	if p.GetCommand == "" {
		return "", fmt.Errorf("%w: %s cannot be read", ErrNotSupported, name)
	}
	if !c.IsConnected() {
		return "", ErrNotConnected
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	if err := p.acquire(ctx); err != nil {
		return "", err
	}
	defer p.release()

	p.waiter.Clear()
	if err := c.Write(ctx, p.GetCommand); err != nil {
		return "", fmt.Errorf("get %s: %w", name, err)
	}
	raw, err := p.waiter.Wait(ctx, c.listenerDone)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", name, err)
	}
	return raw, nil
}

// Get queries a parameter and returns its value converted for its kind:
// bool, int64, float64 or string.
func (c *Client) Get(ctx context.Context, name string) (any, error) {
	raw, err := c.GetRaw(ctx, name)
	if err != nil {
		return nil, err
	}
	p, _ := c.registry.Lookup(name)
	return p.Parse(raw)
}

// GetBool queries a Bool parameter.
func (c *Client) GetBool(ctx context.Context, name string) (bool, error) {
	v, err := c.getKind(ctx, name, KindBool)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetInt queries an Int parameter.
func (c *Client) GetInt(ctx context.Context, name string) (int64, error) {
	v, err := c.getKind(ctx, name, KindInt)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetFloat queries a Float parameter.
func (c *Client) GetFloat(ctx context.Context, name string) (float64, error) {
	v, err := c.getKind(ctx, name, KindFloat)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// GetString queries a String or Enum parameter.
func (c *Client) GetString(ctx context.Context, name string) (string, error) {
	v, err := c.getKind(ctx, name, KindString, KindEnum)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) getKind(ctx context.Context, name string, kinds ...Kind) (any, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(kinds, p.Kind) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidValue, name, p.Kind)
	}
	return c.Get(ctx, name)
}

// Set validates value, converts it to wire text and sends
// "<SetCommand> <text>". Nothing is written when validation fails.
func (c *Client) Set(ctx context.Context, name string, value any) error {
	p, err := c.registry.Get(name)
	if err != nil {
		return err
	}
	if p.SetCommand == "" {
		return fmt.Errorf("%w: %s cannot be written", ErrNotSupported, name)
	}
	text, err := p.Format(value)
	if err != nil {
		return err
	}
	if err := c.Write(ctx, p.SetFrame(text)); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	p.remember(text)
	return nil
}

// Cached returns the last raw value seen for a parameter.
func (c *Client) Cached(name string) (string, bool) {
	p, ok := c.registry.Lookup(name)
	if !ok {
		return "", false
	}
	return p.Cached()
}

// Parameters returns the declarations of all registered parameters.
func (c *Client) Parameters() []ParamSpec {
	return c.registry.Specs()
}

// Parameter returns the declaration of one parameter.
func (c *Client) Parameter(name string) (ParamSpec, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return ParamSpec{}, err
	}
	return p.ParamSpec, nil
}

// PopLatest removes and returns the most recent asynchronous error, or
// NoErrors when none is pending.
func (c *Client) PopLatest() ErrorRecord {
	return c.errors.PopLatest()
}

// PendingErrors returns the queued asynchronous errors, oldest first.
func (c *Client) PendingErrors() []ErrorRecord {
	return c.errors.Snapshot()
}

// ErrorCount returns the number of queued asynchronous errors.
func (c *Client) ErrorCount() int {
	return c.errors.Len()
}

// BoardType returns the probed (or configured) board family.
func (c *Client) BoardType() string {
	return c.boardType
}

// Close stops the listener and waits for it to close the socket.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.RLock()
	started := c.started
	c.connMu.RUnlock()

	if started {
		<-c.listenerDone
	} else {
		c.transport.close()
	}
	c.wg.Wait()

	c.markDisconnected()
	c.logInfo("connection closed")
	return nil
}

// Done is closed once the listener has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.listenerDone
}

// Err returns the failure that stopped the listener, if any.
func (c *Client) Err() error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.lastErr
}

// IsConnected returns true while the listener is running.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// HealthCheck reports whether the connection is usable.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		if err := c.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return ErrNotConnected
	}
	return nil
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	s := c.stats.snapshot()
	s.BoardType = c.boardType
	s.Connected = c.IsConnected()
	s.PendingErrors = c.errors.Len()
	return s
}

// SetOnError sets the callback for asynchronous errors and unknown replies.
//
// The callback runs on a separate worker goroutine; when the queue is full
// events are dropped and counted. Panics in the callback are recovered and
// logged.
func (c *Client) SetOnError(callback func(ErrorRecord)) {
	c.callbackMu.Lock()
	c.onError = callback
	c.callbackMu.Unlock()
}

// SetOnReply sets the callback for parameter replies.
func (c *Client) SetOnReply(callback func(name, raw string)) {
	c.callbackMu.Lock()
	c.onReply = callback
	c.callbackMu.Unlock()
}

// SetOnTransfer sets the callback for completed bulk transfers.
func (c *Client) SetOnTransfer(callback func(FetchResult, error)) {
	c.callbackMu.Lock()
	c.onTransfer = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Client) markDisconnected() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if wasConnected && !c.isClosed() {
		c.logWarn("connection lost")
	}
}

func (c *Client) setLastError(err error) {
	c.connMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.connMu.Unlock()
}

// demuxEvents implementation. These run on the listener goroutine.

func (c *Client) reply(name, raw string) {
	c.logDebug("reply received", "parameter", name, "value", raw)

	c.callbackMu.RLock()
	callback := c.onReply
	c.callbackMu.RUnlock()
	if callback != nil {
		c.enqueue(func() { callback(name, raw) })
	}
}

func (c *Client) asyncError(rec ErrorRecord) {
	switch rec.Severity {
	case SeverityCritical:
		c.logError("board reported critical error", errors.New(rec.Message))
	case SeverityStandard:
		c.logWarn("board reported error", "message", rec.Message)
	default:
		c.logWarn("unrecognised board error", "head", rec.Head, "message", rec.Message)
	}

	c.callbackMu.RLock()
	callback := c.onError
	c.callbackMu.RUnlock()
	if callback != nil {
		c.enqueue(func() { callback(rec) })
	}
}

func (c *Client) frameError(err error) {
	c.logWarn("frame dropped", "error", err)
}

func (c *Client) transferDone(res FetchResult, err error) {
	if err != nil {
		c.logError("bulk transfer failed", err, "name", res.Name)
	} else {
		c.logInfo("bulk transfer complete", "name", res.Name, "location", res.Location, "bytes", res.Bytes)
	}

	c.callbackMu.RLock()
	callback := c.onTransfer
	c.callbackMu.RUnlock()
	if callback != nil {
		c.enqueue(func() { callback(res, err) })
	}
}

// enqueue hands a callback to the worker without blocking the listener.
func (c *Client) enqueue(fn func()) {
	select {
	case c.eventQueue <- fn:
	default:
		c.stats.eventsDropped.Add(1)
		c.logWarn("callback queue full, dropping event")
	}
}

// eventWorker runs queued callbacks one at a time.
func (c *Client) eventWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainEventQueue()
			return
		case fn := <-c.eventQueue:
			c.runCallback(fn)
		}
	}
}

func (c *Client) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("callback panic", fmt.Errorf("%v", r))
		}
	}()
	fn()
}

// drainEventQueue discards callbacks still queued at shutdown.
func (c *Client) drainEventQueue() {
	for {
		select {
		case <-c.eventQueue:
		default:
			return
		}
	}
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
