package transport

import "sync/atomic"

// Stats counts bytes moved by a link. Raw counts are before compression, wire
// counts after. It is observational only; a nil *Stats records nothing.
type Stats struct {
	sentRaw      atomic.Int64
	sentWire     atomic.Int64
	receivedRaw  atomic.Int64
	receivedWire atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SentRaw      int64
	SentWire     int64
	ReceivedRaw  int64
	ReceivedWire int64
}

func (s *Stats) RecordSent(raw, wire int) {
	if s == nil {
		return
	}
	s.sentRaw.Add(int64(raw))
	s.sentWire.Add(int64(wire))
}

func (s *Stats) RecordReceived(raw, wire int) {
	if s == nil {
		return
	}
	s.receivedRaw.Add(int64(raw))
	s.receivedWire.Add(int64(wire))
}

func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		SentRaw:      s.sentRaw.Load(),
		SentWire:     s.sentWire.Load(),
		ReceivedRaw:  s.receivedRaw.Load(),
		ReceivedWire: s.receivedWire.Load(),
	}
}
