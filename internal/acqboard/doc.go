// Package acqboard implements the communication engine for the ADC8/ADC14
// acquisition boards.
//
// The board speaks an ad hoc, sigil-delimited text protocol over a single
// TCP socket. Replies carry no request IDs: they are correlated to blocked
// callers by parameter name. Errors arrive unsolicited and are queued, and
// bulk results switch the stream into a length-counted binary sub-mode.
//
// # Architecture
//
//	┌──────────┐  Write   ┌───────────┐   @CMD\n    ┌──────────────┐
//	│  Client  │─────────►│ transport │────────────►│  Acq board   │
//	│   API    │          └───────────┘◄────────────│  (firmware)  │
//	└────▲─────┘                ▲      frames/bytes └──────────────┘
//	     │ Waiter               │ readChunk
//	     │                ┌─────┴─────┐
//	     └────────────────│ listener  │──► ErrorSink
//	                      └───────────┘──► bulk transfer
//
// A single listener goroutine is the only reader of the socket. Callers
// never read; they clear a Waiter, write a command and block on the Waiter
// until the listener delivers the matching reply.
//
// # Wire format
//
//	client → board   @<COMMAND>\n
//	reply            @<NAME> <VALUE>\n
//	async error      @ERROR:STD <msg>\n | @ERROR:CRITICAL <msg>\n | @ERROR:<other> <msg>\n
//	bulk header      #<NAME> <Local|Remote> <TYPE> <rest>\n
//
// For a Remote bulk header, rest is "<block_length> <total_bytes>" and is
// immediately followed by exactly total_bytes raw bytes.
//
// # Thread Safety
//
// All exported methods of Client are safe for concurrent use. Requests for
// the same parameter are serialised; bulk fetches are serialised per
// connection.
package acqboard
