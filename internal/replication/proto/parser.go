package proto

import (
	"github.com/isdaniel/replication-checker/internal/replication/errs"
	"github.com/isdaniel/replication-checker/pkg/lsn"
)

// Parse decodes a single WAL message from buffer. inStreamingTxn tells
// the Relation arm whether the wire carries a leading XID; every other
// arm determines its own streaming form by peeking the wire itself
// (see spec §4.3 for why these disagree).
func Parse(buffer []byte, inStreamingTxn bool) (Message, error) {
	c := NewCursor(buffer)
	tag, err := c.ReadU8()
	if err != nil {
		return nil, errs.ParseAt("empty message", 0, 0, err)
	}

	switch tag {
	case 'B':
		return parseBegin(c)
	case 'C':
		return parseCommit(c)
	case 'R':
		return parseRelation(c, inStreamingTxn)
	case 'I':
		return parseInsert(c)
	case 'U':
		return parseUpdate(c)
	case 'D':
		return parseDelete(c)
	case 'T':
		return parseTruncate(c)
	case 'S':
		return parseStreamStart(c)
	case 'E':
		return &StreamStopMessage{}, nil
	case 'c':
		return parseStreamCommit(c)
	case 'A':
		return parseStreamAbort(c)
	default:
		return nil, errs.ParseAt("unknown message type", tag, c.Position(), nil)
	}
}

func parseBegin(c *Cursor) (Message, error) {
	if !c.HasBytes(20) {
		return nil, errs.ParseAt("begin message too short", 'B', c.Position(), nil)
	}
	finalLSN, err := c.ReadU64()
	if err != nil {
		return nil, errs.ParseAt("begin: final_lsn", 'B', c.Position(), err)
	}
	ts, err := c.ReadI64()
	if err != nil {
		return nil, errs.ParseAt("begin: timestamp", 'B', c.Position(), err)
	}
	xid, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("begin: xid", 'B', c.Position(), err)
	}
	return &BeginMessage{FinalLSN: lsn.LSN(finalLSN), Timestamp: ts, XID: xid}, nil
}

func parseCommit(c *Cursor) (Message, error) {
	if !c.HasBytes(25) {
		return nil, errs.ParseAt("commit message too short", 'C', c.Position(), nil)
	}
	flags, err := c.ReadU8()
	if err != nil {
		return nil, errs.ParseAt("commit: flags", 'C', c.Position(), err)
	}
	commitLSN, err := c.ReadU64()
	if err != nil {
		return nil, errs.ParseAt("commit: commit_lsn", 'C', c.Position(), err)
	}
	endLSN, err := c.ReadU64()
	if err != nil {
		return nil, errs.ParseAt("commit: end_lsn", 'C', c.Position(), err)
	}
	ts, err := c.ReadI64()
	if err != nil {
		return nil, errs.ParseAt("commit: timestamp", 'C', c.Position(), err)
	}
	return &CommitMessage{Flags: flags, CommitLSN: lsn.LSN(commitLSN), EndLSN: lsn.LSN(endLSN), Timestamp: ts}, nil
}

func parseRelation(c *Cursor, inStreamingTxn bool) (Message, error) {
	minBytes := 7
	if inStreamingTxn {
		minBytes = 11
	}
	if !c.HasBytes(minBytes) {
		return nil, errs.ParseAt("relation message too short", 'R', c.Position(), nil)
	}

	var xid uint32
	if inStreamingTxn {
		x, err := c.ReadU32()
		if err != nil {
			return nil, errs.ParseAt("relation: xid", 'R', c.Position(), err)
		}
		xid = x
	}

	oid, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("relation: oid", 'R', c.Position(), err)
	}
	namespace, err := c.ReadNullTerminatedString()
	if err != nil {
		return nil, errs.ParseAt("relation: namespace", 'R', c.Position(), err)
	}
	name, err := c.ReadNullTerminatedString()
	if err != nil {
		return nil, errs.ParseAt("relation: name", 'R', c.Position(), err)
	}
	replicaIdentity, err := c.ReadU8()
	if err != nil {
		return nil, errs.ParseAt("relation: replica_identity", 'R', c.Position(), err)
	}
	columnCount, err := c.ReadI16()
	if err != nil {
		return nil, errs.ParseAt("relation: column_count", 'R', c.Position(), err)
	}

	columns := make([]Column, 0, columnCount)
	for i := int16(0); i < columnCount; i++ {
		if !c.HasBytes(9) {
			return nil, errs.ParseAt("relation: column data truncated", 'R', c.Position(), nil)
		}
		keyFlag, err := c.ReadI8()
		if err != nil {
			return nil, errs.ParseAt("relation: column key_flag", 'R', c.Position(), err)
		}
		colName, err := c.ReadNullTerminatedString()
		if err != nil {
			return nil, errs.ParseAt("relation: column name", 'R', c.Position(), err)
		}
		typeOID, err := c.ReadU32()
		if err != nil {
			return nil, errs.ParseAt("relation: column type_oid", 'R', c.Position(), err)
		}
		typMod, err := c.ReadI32()
		if err != nil {
			return nil, errs.ParseAt("relation: column typmod", 'R', c.Position(), err)
		}
		columns = append(columns, Column{KeyFlag: keyFlag, Name: colName, TypeOID: typeOID, TypMod: typMod})
	}

	return &RelationMessage{
		Relation: Relation{
			OID:             oid,
			Namespace:       namespace,
			Name:            name,
			ReplicaIdentity: replicaIdentity,
			Columns:         columns,
		},
		IsStream: inStreamingTxn,
		XID:      xid,
	}, nil
}

func parseInsert(c *Cursor) (Message, error) {
	if !c.HasBytes(5) {
		return nil, errs.ParseAt("insert message too short", 'I', c.Position(), nil)
	}
	leading, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("insert: leading u32", 'I', c.Position(), err)
	}

	peek, err := c.PeekU8()
	if err != nil {
		return nil, errs.ParseAt("insert: peek", 'I', c.Position(), err)
	}

	var relationID uint32
	var isStream bool
	var xid uint32
	if peek == 'N' {
		relationID = leading
	} else {
		isStream = true
		xid = leading
		relationID, err = c.ReadU32()
		if err != nil {
			return nil, errs.ParseAt("insert: relation_id", 'I', c.Position(), err)
		}
	}

	marker, err := c.ReadU8()
	if err != nil {
		return nil, errs.ParseAt("insert: marker", 'I', c.Position(), err)
	}
	if marker != 'N' {
		return nil, errs.ParseAt("insert: expected 'N' marker", 'I', c.Position(), nil)
	}

	tuple, err := parseTuple(c)
	if err != nil {
		return nil, err
	}

	return &InsertMessage{RelationID: relationID, NewTuple: tuple, IsStream: isStream, XID: xid}, nil
}

func parseUpdate(c *Cursor) (Message, error) {
	if !c.HasBytes(5) {
		return nil, errs.ParseAt("update message too short", 'U', c.Position(), nil)
	}
	leading, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("update: leading u32", 'U', c.Position(), err)
	}

	peek, err := c.PeekU8()
	if err != nil {
		return nil, errs.ParseAt("update: peek", 'U', c.Position(), err)
	}

	var relationID uint32
	var isStream bool
	var xid uint32
	if peek == 'K' || peek == 'O' || peek == 'N' {
		relationID = leading
	} else {
		isStream = true
		xid = leading
		relationID, err = c.ReadU32()
		if err != nil {
			return nil, errs.ParseAt("update: relation_id", 'U', c.Position(), err)
		}
	}

	marker, err := c.ReadU8()
	if err != nil {
		return nil, errs.ParseAt("update: marker", 'U', c.Position(), err)
	}

	var keyType UpdateKeyType
	var oldTuple *Tuple
	switch marker {
	case 'K', 'O':
		keyType = UpdateKeyType(marker)
		t, err := parseTuple(c)
		if err != nil {
			return nil, err
		}
		oldTuple = &t

		newMarker, err := c.ReadU8()
		if err != nil {
			return nil, errs.ParseAt("update: new-tuple marker", 'U', c.Position(), err)
		}
		if newMarker != 'N' {
			return nil, errs.ParseAt("update: expected 'N' marker after old tuple", 'U', c.Position(), nil)
		}
	case 'N':
		keyType = UpdateKeyNone
	default:
		return nil, errs.ParseAt("update: invalid marker", 'U', c.Position(), nil)
	}

	newTuple, err := parseTuple(c)
	if err != nil {
		return nil, err
	}

	return &UpdateMessage{
		RelationID: relationID,
		KeyType:    keyType,
		OldTuple:   oldTuple,
		NewTuple:   newTuple,
		IsStream:   isStream,
		XID:        xid,
	}, nil
}

func parseDelete(c *Cursor) (Message, error) {
	if !c.HasBytes(5) {
		return nil, errs.ParseAt("delete message too short", 'D', c.Position(), nil)
	}
	leading, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("delete: leading u32", 'D', c.Position(), err)
	}

	peek, err := c.PeekU8()
	if err != nil {
		return nil, errs.ParseAt("delete: peek", 'D', c.Position(), err)
	}

	var relationID uint32
	var isStream bool
	var xid uint32
	var keyType UpdateKeyType
	if peek == 'K' || peek == 'O' {
		relationID = leading
		b, err := c.ReadU8()
		if err != nil {
			return nil, errs.ParseAt("delete: key_type", 'D', c.Position(), err)
		}
		keyType = UpdateKeyType(b)
	} else {
		isStream = true
		xid = leading
		relationID, err = c.ReadU32()
		if err != nil {
			return nil, errs.ParseAt("delete: relation_id", 'D', c.Position(), err)
		}
		b, err := c.ReadU8()
		if err != nil {
			return nil, errs.ParseAt("delete: key_type", 'D', c.Position(), err)
		}
		if b != 'K' && b != 'O' {
			return nil, errs.ParseAt("delete: expected 'K' or 'O' key type", 'D', c.Position(), nil)
		}
		keyType = UpdateKeyType(b)
	}

	tuple, err := parseTuple(c)
	if err != nil {
		return nil, err
	}

	return &DeleteMessage{
		RelationID: relationID,
		KeyType:    keyType,
		OldTuple:   tuple,
		IsStream:   isStream,
		XID:        xid,
	}, nil
}

// parseTruncate resolves the streaming/non-streaming ambiguity by
// comparing the bytes remaining after the two leading u32s against the
// byte count a streaming header would require. See spec §4.3: this is
// the only arm that needs Cursor.SetPosition.
func parseTruncate(c *Cursor) (Message, error) {
	if !c.HasBytes(9) {
		return nil, errs.ParseAt("truncate message too short", 'T', c.Position(), nil)
	}
	firstU32, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("truncate: first u32", 'T', c.Position(), err)
	}
	secondU32, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("truncate: second u32", 'T', c.Position(), err)
	}

	remaining := c.Remaining()
	expectedForStreaming := 1 + int(secondU32)*4

	var isStream bool
	var xid uint32
	var numRelations uint32
	if remaining == expectedForStreaming {
		isStream = true
		xid = firstU32
		numRelations = secondU32
	} else {
		numRelations = firstU32
		if err := c.SetPosition(c.Position() - 4); err != nil {
			return nil, errs.ParseAt("truncate: rewind failed", 'T', c.Position(), err)
		}
	}

	flags, err := c.ReadI8()
	if err != nil {
		return nil, errs.ParseAt("truncate: flags", 'T', c.Position(), err)
	}

	relationIDs := make([]uint32, 0, numRelations)
	for i := uint32(0); i < numRelations; i++ {
		if !c.HasBytes(4) {
			return nil, errs.ParseAt("truncate: relation ids truncated", 'T', c.Position(), nil)
		}
		id, err := c.ReadU32()
		if err != nil {
			return nil, errs.ParseAt("truncate: relation id", 'T', c.Position(), err)
		}
		relationIDs = append(relationIDs, id)
	}

	return &TruncateMessage{RelationIDs: relationIDs, Flags: flags, IsStream: isStream, XID: xid}, nil
}

func parseStreamStart(c *Cursor) (Message, error) {
	if !c.HasBytes(4) {
		return nil, errs.ParseAt("stream start message too short", 'S', c.Position(), nil)
	}
	xid, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("stream start: xid", 'S', c.Position(), err)
	}
	var firstSegment bool
	if c.HasBytes(1) {
		b, err := c.ReadU8()
		if err != nil {
			return nil, errs.ParseAt("stream start: first_segment", 'S', c.Position(), err)
		}
		firstSegment = b == 1
	}
	return &StreamStartMessage{XID: xid, FirstSegment: firstSegment}, nil
}

func parseStreamCommit(c *Cursor) (Message, error) {
	if !c.HasBytes(29) {
		return nil, errs.ParseAt("stream commit message too short", 'c', c.Position(), nil)
	}
	xid, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("stream commit: xid", 'c', c.Position(), err)
	}
	flags, err := c.ReadU8()
	if err != nil {
		return nil, errs.ParseAt("stream commit: flags", 'c', c.Position(), err)
	}
	commitLSN, err := c.ReadU64()
	if err != nil {
		return nil, errs.ParseAt("stream commit: commit_lsn", 'c', c.Position(), err)
	}
	endLSN, err := c.ReadU64()
	if err != nil {
		return nil, errs.ParseAt("stream commit: end_lsn", 'c', c.Position(), err)
	}
	ts, err := c.ReadI64()
	if err != nil {
		return nil, errs.ParseAt("stream commit: timestamp", 'c', c.Position(), err)
	}
	return &StreamCommitMessage{
		XID:       xid,
		Flags:     flags,
		CommitLSN: lsn.LSN(commitLSN),
		EndLSN:    lsn.LSN(endLSN),
		Timestamp: ts,
	}, nil
}

func parseStreamAbort(c *Cursor) (Message, error) {
	if !c.HasBytes(8) {
		return nil, errs.ParseAt("stream abort message too short", 'A', c.Position(), nil)
	}
	xid, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("stream abort: xid", 'A', c.Position(), err)
	}
	subXID, err := c.ReadU32()
	if err != nil {
		return nil, errs.ParseAt("stream abort: subtransaction_xid", 'A', c.Position(), err)
	}
	return &StreamAbortMessage{XID: xid, SubtransactionXID: subXID}, nil
}

func parseTuple(c *Cursor) (Tuple, error) {
	if !c.HasBytes(2) {
		return Tuple{}, errs.ParseAt("tuple data too short", 0, c.Position(), nil)
	}
	start := c.Position()
	columnCount, err := c.ReadI16()
	if err != nil {
		return Tuple{}, errs.ParseAt("tuple: column_count", 0, c.Position(), err)
	}

	datums := make([]Datum, 0, columnCount)
	for i := int16(0); i < columnCount; i++ {
		if !c.HasBytes(1) {
			return Tuple{}, errs.ParseAt("tuple data truncated", 0, c.Position(), nil)
		}
		dataType, err := c.ReadU8()
		if err != nil {
			return Tuple{}, errs.ParseAt("tuple: data type", 0, c.Position(), err)
		}

		switch DatumKind(dataType) {
		case DatumNull:
			datums = append(datums, Datum{Kind: DatumNull})
		case DatumUnchanged:
			datums = append(datums, Datum{Kind: DatumUnchanged})
		case DatumText:
			text, err := c.ReadLengthPrefixedString()
			if err != nil {
				return Tuple{}, errs.ParseAt("tuple: text datum", 't', c.Position(), err)
			}
			datums = append(datums, Datum{Kind: DatumText, Text: text})
		default:
			return Tuple{}, errs.ParseAt("unknown tuple data type", dataType, c.Position(), nil)
		}
	}

	return Tuple{
		ColumnCount:     columnCount,
		Datums:          datums,
		ProcessedLength: c.Position() - start,
	}, nil
}
