package proto

import (
	"bytes"
	"testing"

	"github.com/isdaniel/replication-checker/pkg/lsn"
)

func TestParseBeginDecode(t *testing.T) {
	buf := []byte{
		'B',
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, // final_lsn = 0x100
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // timestamp = 0
		0x00, 0x00, 0x00, 0x2A, // xid = 42
	}
	msg, err := Parse(buf, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	begin, ok := msg.(*BeginMessage)
	if !ok {
		t.Fatalf("got %T, want *BeginMessage", msg)
	}
	if begin.FinalLSN != lsn.LSN(0x100) || begin.Timestamp != 0 || begin.XID != 42 {
		t.Errorf("Begin = %+v, want final_lsn=0x100 timestamp=0 xid=42", begin)
	}
}

func TestParseInsertNonStreaming(t *testing.T) {
	buf := []byte{
		'I',
		0x00, 0x00, 0x00, 0x10, // oid = 16
		'N',
		0x00, 0x01, // column_count = 1
		't',
		0x00, 0x00, 0x00, 0x02, 'h', 'i',
	}
	msg, err := Parse(buf, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	insert, ok := msg.(*InsertMessage)
	if !ok {
		t.Fatalf("got %T, want *InsertMessage", msg)
	}
	if insert.RelationID != 16 || insert.IsStream || insert.XID != 0 {
		t.Errorf("Insert = %+v, want relation_id=16 is_stream=false", insert)
	}
	if len(insert.NewTuple.Datums) != 1 || insert.NewTuple.Datums[0].Kind != DatumText || insert.NewTuple.Datums[0].Text != "hi" {
		t.Errorf("Insert tuple = %+v, want single text datum \"hi\"", insert.NewTuple)
	}
}

func TestParseInsertStreaming(t *testing.T) {
	buf := []byte{
		'I',
		0x00, 0x00, 0x00, 0x63, // xid = 99
		0x00, 0x00, 0x00, 0x10, // oid = 16
		'N',
		0x00, 0x01,
		'n',
	}
	msg, err := Parse(buf, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	insert, ok := msg.(*InsertMessage)
	if !ok {
		t.Fatalf("got %T, want *InsertMessage", msg)
	}
	if insert.RelationID != 16 || !insert.IsStream || insert.XID != 99 {
		t.Errorf("Insert = %+v, want relation_id=16 is_stream=true xid=99", insert)
	}
	if len(insert.NewTuple.Datums) != 1 || insert.NewTuple.Datums[0].Kind != DatumNull {
		t.Errorf("Insert tuple = %+v, want single null datum", insert.NewTuple)
	}
}

func TestParseInsertStreamingIndependentOfFlag(t *testing.T) {
	buf := []byte{
		'I',
		0x00, 0x00, 0x00, 0x63,
		0x00, 0x00, 0x00, 0x10,
		'N',
		0x00, 0x00,
	}
	for _, flag := range []bool{true, false} {
		msg, err := Parse(buf, flag)
		if err != nil {
			t.Fatalf("Parse(inStreamingTxn=%v): %v", flag, err)
		}
		insert := msg.(*InsertMessage)
		if !insert.IsStream || insert.XID != 99 {
			t.Errorf("Parse(inStreamingTxn=%v) = %+v, want is_stream=true xid=99 regardless of flag", flag, insert)
		}
	}
}

func TestParseUpdateVariants(t *testing.T) {
	nonStreaming := []byte{
		'U',
		0x00, 0x00, 0x00, 0x10,
		'N',
		0x00, 0x00,
	}
	msg, err := Parse(nonStreaming, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	update := msg.(*UpdateMessage)
	if update.IsStream || update.KeyType != UpdateKeyNone || update.OldTuple != nil {
		t.Errorf("Update = %+v, want non-streaming, no key, no old tuple", update)
	}

	withOldTuple := []byte{
		'U',
		0x00, 0x00, 0x00, 0x10,
		'K',
		0x00, 0x01, 'n',
		'N',
		0x00, 0x00,
	}
	msg2, err := Parse(withOldTuple, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	update2 := msg2.(*UpdateMessage)
	if update2.KeyType != UpdateKeyIndex || update2.OldTuple == nil {
		t.Errorf("Update = %+v, want key_type=K with old tuple", update2)
	}

	streaming := []byte{
		'U',
		0x00, 0x00, 0x00, 0x63,
		0x00, 0x00, 0x00, 0x10,
		'N',
		0x00, 0x00,
	}
	msg3, err := Parse(streaming, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	update3 := msg3.(*UpdateMessage)
	if !update3.IsStream || update3.XID != 99 || update3.RelationID != 16 {
		t.Errorf("Update = %+v, want is_stream=true xid=99 relation_id=16", update3)
	}
}

func TestParseDeleteVariants(t *testing.T) {
	nonStreaming := []byte{
		'D',
		0x00, 0x00, 0x00, 0x10,
		'K',
		0x00, 0x00,
	}
	msg, err := Parse(nonStreaming, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	del := msg.(*DeleteMessage)
	if del.IsStream || del.KeyType != UpdateKeyIndex || del.RelationID != 16 {
		t.Errorf("Delete = %+v, want non-streaming key=K relation_id=16", del)
	}

	streaming := []byte{
		'D',
		0x00, 0x00, 0x00, 0x63,
		0x00, 0x00, 0x00, 0x10,
		'O',
		0x00, 0x00,
	}
	msg2, err := Parse(streaming, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	del2 := msg2.(*DeleteMessage)
	if !del2.IsStream || del2.XID != 99 || del2.KeyType != UpdateKeyFull {
		t.Errorf("Delete = %+v, want is_stream=true xid=99 key=O", del2)
	}
}

func TestParseTruncateStreamingVsNot(t *testing.T) {
	streaming := []byte{
		'T',
		0x00, 0x00, 0x00, 0x63, // xid = 99
		0x00, 0x00, 0x00, 0x02, // num_relations = 2
		0x01,                   // flags = CASCADE
		0x00, 0x00, 0x00, 0x0A, // relation 10
		0x00, 0x00, 0x00, 0x0B, // relation 11
	}
	msg, err := Parse(streaming, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	trunc := msg.(*TruncateMessage)
	if !trunc.IsStream || trunc.XID != 99 || len(trunc.RelationIDs) != 2 {
		t.Errorf("Truncate = %+v, want is_stream=true xid=99 two relations", trunc)
	}
	if trunc.Flags != 1 || trunc.String() != "CASCADE" {
		t.Errorf("Truncate flags = %d (%s), want CASCADE", trunc.Flags, trunc.String())
	}

	nonStreaming := []byte{
		'T',
		0x00, 0x00, 0x00, 0x01, // num_relations = 1
		0x02,                   // flags = RESTART IDENTITY
		0x00, 0x00, 0x00, 0x0A, // relation 10
	}
	msg2, err := Parse(nonStreaming, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	trunc2 := msg2.(*TruncateMessage)
	if trunc2.IsStream || trunc2.XID != 0 || len(trunc2.RelationIDs) != 1 || trunc2.RelationIDs[0] != 10 {
		t.Errorf("Truncate = %+v, want is_stream=false one relation=10", trunc2)
	}
	if trunc2.Flags != 2 {
		t.Errorf("Truncate flags = %d, want 2", trunc2.Flags)
	}
}

func TestParseTruncateStringNone(t *testing.T) {
	trunc := &TruncateMessage{Flags: 0}
	if trunc.String() != "NONE" {
		t.Errorf("String() = %q, want NONE", trunc.String())
	}
}

func TestParseStreamStopHasNoPayload(t *testing.T) {
	msg, err := Parse([]byte{'E'}, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := msg.(*StreamStopMessage); !ok {
		t.Fatalf("got %T, want *StreamStopMessage", msg)
	}
}

func TestParseStreamStartMissingSegmentByteDefaultsFalse(t *testing.T) {
	buf := []byte{'S', 0x00, 0x00, 0x00, 0x01}
	msg, err := Parse(buf, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	start := msg.(*StreamStartMessage)
	if start.XID != 1 || start.FirstSegment {
		t.Errorf("StreamStart = %+v, want xid=1 first_segment=false", start)
	}
}

func TestParseStreamAbort(t *testing.T) {
	buf := []byte{'A', 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02}
	msg, err := Parse(buf, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	abort := msg.(*StreamAbortMessage)
	if abort.XID != 1 || abort.SubtransactionXID != 2 {
		t.Errorf("StreamAbort = %+v, want xid=1 subtransaction_xid=2", abort)
	}
}

func TestParseRelationStreamingFlagControlsXID(t *testing.T) {
	nonStreamingBody := []byte{
		0x00, 0x00, 0x00, 0x2A, // oid = 42
		'p', 'u', 'b', 0x00, // namespace
		't', 0x00, // name
		'd',        // replica_identity
		0x00, 0x00, // column_count = 0
	}
	msg, err := Parse(append([]byte{'R'}, nonStreamingBody...), false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rel := msg.(*RelationMessage)
	if rel.IsStream || rel.Relation.OID != 42 || rel.Relation.Namespace != "pub" || rel.Relation.Name != "t" {
		t.Errorf("Relation = %+v, want oid=42 namespace=pub name=t non-streaming", rel)
	}

	streamingBody := append([]byte{0x00, 0x00, 0x00, 0x01}, nonStreamingBody...)
	msg2, err := Parse(append([]byte{'R'}, streamingBody...), true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rel2 := msg2.(*RelationMessage)
	if !rel2.IsStream || rel2.XID != 1 {
		t.Errorf("Relation = %+v, want is_stream=true xid=1", rel2)
	}
}

func TestParseUnknownTagFails(t *testing.T) {
	if _, err := Parse([]byte{'Z'}, false); err == nil {
		t.Fatal("expected error for unknown message tag")
	}
}

func TestParseUnknownTupleTagFails(t *testing.T) {
	buf := []byte{'I', 0x00, 0x00, 0x00, 0x10, 'N', 0x00, 0x01, 'x'}
	if _, err := Parse(buf, false); err == nil {
		t.Fatal("expected error for unknown tuple datum tag")
	}
}

func TestParseBinaryDatumRejected(t *testing.T) {
	buf := []byte{'I', 0x00, 0x00, 0x00, 0x10, 'N', 0x00, 0x01, 'b', 0x00, 0x00, 0x00, 0x01, 0x00}
	if _, err := Parse(buf, false); err == nil {
		t.Fatal("expected 'b' binary datum to be rejected as unknown tag")
	}
}

// Property P3: every strict prefix of a valid message fails to parse,
// never panics.
func TestParseTotalityOnTruncation(t *testing.T) {
	full := []byte{
		'B',
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x2A,
	}
	for n := 0; n < len(full); n++ {
		prefix := full[:n]
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Parse panicked on %d-byte prefix: %v", n, r)
				}
			}()
			if _, err := Parse(prefix, false); err == nil {
				t.Errorf("Parse accepted truncated %d-byte prefix of Begin message", n)
			}
		}()
	}
}

func TestParseEmptyBufferFails(t *testing.T) {
	if _, err := Parse(nil, false); err == nil {
		t.Fatal("expected error parsing empty buffer")
	}
}

func TestRelationCacheReplaceOnConflict(t *testing.T) {
	cache := NewRelationCache()
	cache.AddRelation(Relation{OID: 1, Name: "v1"})
	cache.AddRelation(Relation{OID: 1, Name: "v2"})
	r, ok := cache.GetRelation(1)
	if !ok || r.Name != "v2" {
		t.Errorf("GetRelation(1) = %+v, %v, want latest schema v2", r, ok)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}
	if _, ok := cache.GetRelation(2); ok {
		t.Error("GetRelation(2) found, want absent")
	}
}

func TestTruncateFlagNames(t *testing.T) {
	both := &TruncateMessage{Flags: int8(TruncateCascade) | int8(TruncateRestartIdentity)}
	got := both.String()
	if !bytes.Contains([]byte(got), []byte("CASCADE")) || !bytes.Contains([]byte(got), []byte("RESTART IDENTITY")) {
		t.Errorf("String() = %q, want both flag names", got)
	}
}
