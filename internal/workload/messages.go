package workload

import (
	"time"

	"github.com/cortexuvula/wsbench/internal/protocol"
)

func encodePing(id int64) ([]byte, error) {
	return protocol.Encode(protocol.KindPing, id, protocol.Now())
}

func encodeBroadcast(id int64) ([]byte, error) {
	return protocol.Encode(protocol.KindBroadcast, id, protocol.Now())
}

// decodeReply accepts a pong, or the ping itself when a pass-through
// server echoes it unchanged. Anything else is ignored.
func decodeReply(data []byte) (int64, bool) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return 0, false
	}
	switch msg.Kind {
	case protocol.KindPong, protocol.KindPing:
		return msg.ID, true
	}
	return 0, false
}

func decodeBroadcast(data []byte) (id int64, timestamp float64, ok bool) {
	msg, err := protocol.Decode(data)
	if err != nil || msg.Kind != protocol.KindBroadcast {
		return 0, 0, false
	}
	return msg.ID, msg.Timestamp, true
}

func stampOf(t time.Time) float64 {
	return protocol.Stamp(t)
}
