package proto

import (
	"fmt"

	"github.com/isdaniel/replication-checker/pkg/lsn"
)

// Kind identifies which WAL message variant a Message carries.
type Kind byte

const (
	KindBegin         Kind = 'B'
	KindCommit        Kind = 'C'
	KindRelation      Kind = 'R'
	KindInsert        Kind = 'I'
	KindUpdate        Kind = 'U'
	KindDelete        Kind = 'D'
	KindTruncate      Kind = 'T'
	KindStreamStart   Kind = 'S'
	KindStreamStop    Kind = 'E'
	KindStreamCommit  Kind = 'c'
	KindStreamAbort   Kind = 'A'
)

// Message is the tagged-variant interface every decoded WAL message
// implements. Callers type-switch to recover the concrete payload.
type Message interface {
	Kind() Kind
}

// Column describes one column of a Relation: its replica-identity
// participation, name, declared type, and type modifier.
type Column struct {
	KeyFlag int8
	Name    string
	TypeOID uint32
	TypMod  int32
}

// Relation is the schema snapshot carried by an 'R' message and cached
// by the Relation Cache (D) for use by subsequent DML messages.
type Relation struct {
	OID             uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte // 'd', 'n', 'f', or 'i'
	Columns         []Column
}

// DatumKind discriminates a tuple column's encoding.
type DatumKind byte

const (
	DatumNull      DatumKind = 'n'
	DatumUnchanged DatumKind = 'u'
	DatumText      DatumKind = 't'
	DatumBinary    DatumKind = 'b'
)

// Datum is one column value within a Tuple. Text is populated only for
// DatumText; Binary only for DatumBinary.
type Datum struct {
	Kind   DatumKind
	Text   string
	Binary []byte
}

// Tuple is the ordered list of column datums carried by a DML message,
// plus the byte span the tuple consumed (exposed for diagnostics only).
type Tuple struct {
	ColumnCount     int16
	Datums          []Datum
	ProcessedLength int
}

// BeginMessage opens a transaction.
type BeginMessage struct {
	FinalLSN  lsn.LSN
	Timestamp int64
	XID       uint32
}

func (*BeginMessage) Kind() Kind { return KindBegin }

// CommitMessage closes a transaction.
type CommitMessage struct {
	Flags     uint8
	CommitLSN lsn.LSN
	EndLSN    lsn.LSN
	Timestamp int64
}

func (*CommitMessage) Kind() Kind { return KindCommit }

// RelationMessage carries a schema snapshot for a relation.
type RelationMessage struct {
	Relation Relation
	IsStream bool
	XID      uint32 // only meaningful when IsStream
}

func (*RelationMessage) Kind() Kind { return KindRelation }

// InsertMessage carries a newly inserted row.
type InsertMessage struct {
	RelationID uint32
	NewTuple   Tuple
	IsStream   bool
	XID        uint32 // only meaningful when IsStream
}

func (*InsertMessage) Kind() Kind { return KindInsert }

// UpdateKeyType identifies which form of the pre-image an UpdateMessage
// carries, if any.
type UpdateKeyType byte

const (
	UpdateKeyNone  UpdateKeyType = 0
	UpdateKeyIndex UpdateKeyType = 'K'
	UpdateKeyFull  UpdateKeyType = 'O'
)

// UpdateMessage carries a row update. OldTuple is present only when
// KeyType is UpdateKeyIndex or UpdateKeyFull.
type UpdateMessage struct {
	RelationID uint32
	KeyType    UpdateKeyType
	OldTuple   *Tuple
	NewTuple   Tuple
	IsStream   bool
	XID        uint32
}

func (*UpdateMessage) Kind() Kind { return KindUpdate }

// DeleteMessage carries a deleted row. KeyType is always UpdateKeyIndex
// or UpdateKeyFull — Delete always carries some key tuple.
type DeleteMessage struct {
	RelationID uint32
	KeyType    UpdateKeyType
	OldTuple   Tuple
	IsStream   bool
	XID        uint32
}

func (*DeleteMessage) Kind() Kind { return KindDelete }

// TruncateFlag names the bits packed into TruncateMessage.Flags.
type TruncateFlag int8

const (
	TruncateCascade        TruncateFlag = 1
	TruncateRestartIdentity TruncateFlag = 2
)

// TruncateMessage carries the OIDs of one or more truncated relations.
type TruncateMessage struct {
	RelationIDs []uint32
	Flags       int8
	IsStream    bool
	XID         uint32
}

func (*TruncateMessage) Kind() Kind { return KindTruncate }

// String renders the flag bits as the names PostgreSQL's TRUNCATE
// statement uses, comma-joined, or "NONE" if neither bit is set.
func (t *TruncateMessage) String() string {
	var names []string
	if t.Flags&int8(TruncateCascade) != 0 {
		names = append(names, "CASCADE")
	}
	if t.Flags&int8(TruncateRestartIdentity) != 0 {
		names = append(names, "RESTART IDENTITY")
	}
	if len(names) == 0 {
		return "NONE"
	}
	s := names[0]
	for _, n := range names[1:] {
		s += ", " + n
	}
	return s
}

// StreamStartMessage opens a streaming (in-progress) transaction.
type StreamStartMessage struct {
	XID          uint32
	FirstSegment bool
}

func (*StreamStartMessage) Kind() Kind { return KindStreamStart }

// StreamStopMessage closes the current streaming segment without
// concluding the transaction.
type StreamStopMessage struct{}

func (*StreamStopMessage) Kind() Kind { return KindStreamStop }

// StreamCommitMessage concludes a streaming transaction successfully.
type StreamCommitMessage struct {
	XID       uint32
	Flags     uint8
	CommitLSN lsn.LSN
	EndLSN    lsn.LSN
	Timestamp int64
}

func (*StreamCommitMessage) Kind() Kind { return KindStreamCommit }

// StreamAbortMessage concludes a streaming transaction (or one of its
// subtransactions) by rollback.
type StreamAbortMessage struct {
	XID             uint32
	SubtransactionXID uint32
}

func (*StreamAbortMessage) Kind() Kind { return KindStreamAbort }

func (k Kind) String() string {
	return fmt.Sprintf("%c", byte(k))
}
