package acqboard

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// histogramQuery requests histogram data, optionally naming a file on the board.
const histogramQuery = "DATA:HIST:DATA?"

// histogramBinWidth is the size of one little-endian uint64 histogram bin.
const histogramBinWidth = 8

// FetchOptions controls a bulk request.
type FetchOptions struct {
	// Sink receives the payload as it arrives. When nil the payload is
	// collected in FetchResult.Data.
	Sink io.Writer

	// RemoteFile asks the board to read from, or save to, this file.
	RemoteFile string
}

// Fetch requests the result of the current operating mode and waits for it.
//
// The query depends on the cached operating mode (read from the board when
// nothing is cached). Only Hist mode has a bulk query; other modes return
// ErrNotSupported. A Local result carries the board-side file name and no
// data.
//
// Parameters:
//   - ctx: Context for cancellation; GetTimeout applies when it has no deadline
//   - opts: Destination and optional board file name
//
// Returns:
//   - *FetchResult: Transfer metadata, with Data set when no sink was given
//   - error: ErrNotSupported, ErrTimeout, ErrNotConnected or ErrProtocol
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	select {
	case c.fetchSem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch: %w", waitError(ctx))
	}
	defer func() { <-c.fetchSem }()

	query, err := c.fetchQuery(ctx, opts.RemoteFile)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	seq := c.fetch.arm(opts.Sink)
	if err := c.Write(ctx, query); err != nil {
		c.fetch.abandon(seq)
		return nil, fmt.Errorf("fetch: %w", err)
	}

	res, err := c.fetch.waiter.Wait(ctx, c.listenerDone)
	if err != nil {
		c.fetch.abandon(seq)
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return &res, nil
}

// fetchQuery builds the bulk request for the board's operating mode.
func (c *Client) fetchQuery(ctx context.Context, remoteFile string) (string, error) {
	mode, ok := c.Cached(ParamOpMode)
	if !ok {
		var err error
		mode, err = c.GetString(ctx, ParamOpMode)
		if err != nil {
			return "", fmt.Errorf("read operating mode: %w", err)
		}
	}

	switch mode {
	case ModeHist:
		if remoteFile == "" {
			return histogramQuery, nil
		}
		return histogramQuery + " " + remoteFile, nil
	default:
		return "", fmt.Errorf("%w: no bulk query for operating mode %q", ErrNotSupported, mode)
	}
}

// LastTransfer returns the metadata of the most recent bulk transfer.
func (c *Client) LastTransfer() FetchResult {
	return c.fetch.last()
}

// Histogram is a decoded histogram fetch.
type Histogram struct {
	Bins       []uint64 `json:"bins,omitempty"`
	Location   Location `json:"location"`
	RemoteFile string   `json:"remote_file,omitempty"`
}

// FetchHistogram fetches histogram data into memory and decodes it. A Local
// result has no bins, only the board-side file name.
func (c *Client) FetchHistogram(ctx context.Context, remoteFile string) (*Histogram, error) {
	res, err := c.Fetch(ctx, FetchOptions{RemoteFile: remoteFile})
	if err != nil {
		return nil, err
	}
	h := &Histogram{Location: res.Location, RemoteFile: res.RemoteFile}
	if res.Location == LocationLocal {
		return h, nil
	}
	h.Bins, err = DecodeHistogram(res.Data)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// DecodeHistogram interprets data as consecutive little-endian uint64 bins.
func DecodeHistogram(data []byte) ([]uint64, error) {
	if len(data)%histogramBinWidth != 0 {
		return nil, fmt.Errorf("%w: histogram length %d is not a multiple of %d",
			ErrInvalidValue, len(data), histogramBinWidth)
	}
	bins := make([]uint64, len(data)/histogramBinWidth)
	for i := range bins {
		bins[i] = binary.LittleEndian.Uint64(data[i*histogramBinWidth:])
	}
	return bins, nil
}
