// Package protocol defines the JSON text frames exchanged with the server
// under test and the process clock used to stamp them.
package protocol

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind identifies a message variant. Unknown is a valid variant: servers
// echo it back and drivers ignore it.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// ErrMalformed is returned by Decode for payloads that are not JSON objects
// or that lack the fields their type requires.
var ErrMalformed = errors.New("malformed message")

// Message is a decoded frame. Raw always holds the original bytes so an
// Unknown message can be passed through untouched.
type Message struct {
	Kind      Kind
	Type      string
	ID        int64
	Timestamp float64
	Raw       []byte
}

type wireMessage struct {
	Type      string   `json:"type"`
	ID        *int64   `json:"id,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// Decode parses a text frame. A frame with an unrecognized type decodes to
// KindUnknown without error; only unparseable frames, and known types that
// are missing id or timestamp, return ErrMalformed.
func Decode(data []byte) (Message, error) {
	msg := Message{Kind: KindUnknown, Raw: data}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Type = w.Type

	switch w.Type {
	case "ping":
		msg.Kind = KindPing
	case "pong":
		msg.Kind = KindPong
	case "broadcast":
		msg.Kind = KindBroadcast
	default:
		return msg, nil
	}

	if w.ID == nil || w.Timestamp == nil {
		msg.Kind = KindUnknown
		return msg, fmt.Errorf("%w: %s without id or timestamp", ErrMalformed, w.Type)
	}
	msg.ID = *w.ID
	msg.Timestamp = *w.Timestamp
	return msg, nil
}

// Encode builds the wire form of a ping, pong or broadcast.
func Encode(kind Kind, id int64, timestamp float64) ([]byte, error) {
	if kind == KindUnknown {
		return nil, fmt.Errorf("cannot encode %s message", kind)
	}
	return json.Marshal(wireMessage{Type: kind.String(), ID: &id, Timestamp: &timestamp})
}

// Reply turns a ping into its pong, keeping id and timestamp.
func Reply(ping Message) ([]byte, error) {
	return Encode(KindPong, ping.ID, ping.Timestamp)
}

// epoch anchors the process clock. time.Since on it uses the monotonic
// reading, so Now never goes backwards on wall-clock adjustment.
var epoch = time.Now()

// Now returns milliseconds on the process-local monotonic clock with
// sub-millisecond resolution. Broadcast senders and receivers share it
// because they run in the same process.
func Now() float64 {
	return float64(time.Since(epoch).Nanoseconds()) / float64(time.Millisecond)
}

// Stamp converts a time.Time taken in this process to the Now scale.
func Stamp(t time.Time) float64 {
	return float64(t.Sub(epoch).Nanoseconds()) / float64(time.Millisecond)
}
