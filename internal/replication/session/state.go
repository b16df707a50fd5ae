// Package session holds the mutable state a replication connection
// accumulates across its lifetime: LSN watermarks, the current
// streaming-transaction bracket, and the standby status feedback frame.
package session

import (
	"time"

	"github.com/isdaniel/replication-checker/internal/replication/proto"
	"github.com/isdaniel/replication-checker/pkg/lsn"
)

// pgEpochOffsetSeconds is the offset between the Unix epoch and
// PostgreSQL's epoch (2000-01-01 00:00:00 UTC), per spec §6.
const pgEpochOffsetSeconds = 946_684_800

// State tracks the relation cache, LSN watermarks, and the
// streaming-transaction bracket for one replication connection.
type State struct {
	Relations *proto.RelationCache

	ReceivedLSN      lsn.LSN
	FlushedLSN       lsn.LSN
	LastFeedbackTime time.Time

	InStreamingTxn bool
	StreamingXID   uint32
}

// NewState returns a fresh session with an empty relation cache and
// invalid LSN watermarks.
func NewState() *State {
	return &State{Relations: proto.NewRelationCache()}
}

// UpdateLSN advances ReceivedLSN and FlushedLSN to max(current, new)
// for non-zero inputs, preserving the monotonicity invariant (§3, P2).
func (s *State) UpdateLSN(newLSN lsn.LSN) {
	if newLSN == lsn.Invalid {
		return
	}
	s.ReceivedLSN = lsn.Max(s.ReceivedLSN, newLSN)
	s.FlushedLSN = s.ReceivedLSN
}

// StartStreaming enters a streaming-transaction bracket.
func (s *State) StartStreaming(xid uint32) {
	s.InStreamingTxn = true
	s.StreamingXID = xid
}

// StopStreaming exits the current streaming-transaction bracket,
// whether by StreamStop, StreamCommit, or StreamAbort.
func (s *State) StopStreaming() {
	s.InStreamingTxn = false
	s.StreamingXID = 0
}

// feedbackFrameLen is the exact wire size of a standby status reply
// (§4.4): tag + received + flushed + applied + timestamp + reply flag.
const feedbackFrameLen = 1 + 8 + 8 + 8 + 8 + 1

// BuildFeedbackFrame encodes the 'r' standby status reply for the
// current ReceivedLSN, bit-exact per spec property P6: applied_lsn is
// always the INVALID sentinel (0) and reply_requested is always 0.
func BuildFeedbackFrame(receivedLSN lsn.LSN, now time.Time) []byte {
	buf := make([]byte, feedbackFrameLen)
	w := proto.NewWriter(buf)
	w.WriteU8('r')
	w.WriteU64(uint64(receivedLSN))
	w.WriteU64(uint64(receivedLSN))
	w.WriteU64(0)
	w.WriteI64(ToPGTimestamp(now))
	w.WriteU8(0)
	return buf
}

// ToPGTimestamp converts a wall-clock time to PostgreSQL's wire
// encoding: microseconds since 2000-01-01 00:00:00 UTC.
func ToPGTimestamp(t time.Time) int64 {
	return t.UnixMicro() - pgEpochOffsetSeconds*1_000_000
}

// FromPGTimestamp converts a PostgreSQL wire timestamp back to wall
// clock time, the inverse of ToPGTimestamp.
func FromPGTimestamp(microseconds int64) time.Time {
	return time.UnixMicro(microseconds + pgEpochOffsetSeconds*1_000_000).UTC()
}
