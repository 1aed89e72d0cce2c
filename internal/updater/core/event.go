package core

import (
	"context"
	"fmt"
)

// LinkEventType enumerates what the connectivity monitor reports.
type LinkEventType string

const (
	// LinkStarted is raised once the station interface is up and may try to
	// associate.
	LinkStarted LinkEventType = "link.started"
	// Disconnected is raised whenever association is lost or fails.
	Disconnected LinkEventType = "link.disconnected"
	// AddressAcquired is raised when the interface obtains an IPv4 address.
	AddressAcquired LinkEventType = "link.address-acquired"
)

// LinkEvent is one connectivity notification.
type LinkEvent struct {
	Type LinkEventType
	// Addr is set for AddressAcquired.
	Addr string
	// Reason is a driver-specific hint for Disconnected.
	Reason string
}

func (e LinkEvent) String() string {
	switch e.Type {
	case AddressAcquired:
		return fmt.Sprintf("%s(%s)", e.Type, e.Addr)
	case Disconnected:
		if e.Reason != "" {
			return fmt.Sprintf("%s(%s)", e.Type, e.Reason)
		}
	}
	return string(e.Type)
}

// StreamEventType enumerates what a transport delivers during a download.
type StreamEventType int

const (
	ChunkReceived StreamEventType = iota + 1
	StreamEnded
	StreamFailed
)

func (t StreamEventType) String() string {
	switch t {
	case ChunkReceived:
		return "ChunkReceived"
	case StreamEnded:
		return "StreamEnded"
	case StreamFailed:
		return "TransportError"
	default:
		return fmt.Sprintf("StreamEventType(%d)", int(t))
	}
}

// StreamEvent is one step of a download. Chunks must be handled in the order
// they are delivered.
type StreamEvent struct {
	Type StreamEventType
	Data []byte
	Err  error
}

// Chunk builds a ChunkReceived event.
func Chunk(b []byte) StreamEvent { return StreamEvent{Type: ChunkReceived, Data: b} }

// EndOfStream builds a StreamEnded event.
func EndOfStream() StreamEvent { return StreamEvent{Type: StreamEnded} }

// TransportFailure builds a TransportError event.
func TransportFailure(err error) StreamEvent { return StreamEvent{Type: StreamFailed, Err: err} }

// DeliverFunc consumes stream events. A non-nil return aborts the transfer.
type DeliverFunc func(ev StreamEvent) error

// Transport fetches a firmware image and delivers it as stream events. It
// must deliver exactly one StreamEnded or TransportError event unless deliver
// itself returned an error first.
type Transport interface {
	Stream(ctx context.Context, deliver DeliverFunc) error
}
