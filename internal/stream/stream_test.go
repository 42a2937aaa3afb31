package stream

import (
	"testing"
	"time"

	"github.com/mewproto/mew/internal/envelope"
)

func open(t *Table, id, owner string) *Stream {
	return t.Open(id, owner, "upload", map[string]interface{}{"content_type": "application/octet-stream"}, time.Now())
}

func TestOwnerIsAlwaysAuthorized(t *testing.T) {
	tbl := NewTable()
	s := open(tbl, "s1", "alice")

	if !s.CanWrite("alice") {
		t.Error("owner must be an authorized writer")
	}
	if s.CanWrite("bob") {
		t.Error("bob was never granted write access")
	}
}

func TestGrantAndRevokeWrite(t *testing.T) {
	tbl := NewTable()
	open(tbl, "s1", "alice")

	if p := tbl.GrantWrite("s1", "bob", "bob"); p == nil || p.Code != envelope.ErrForbidden {
		t.Fatalf("non-owner grant should be Forbidden, got %v", p)
	}
	if p := tbl.GrantWrite("s1", "alice", "bob"); p != nil {
		t.Fatalf("owner grant failed: %v", p)
	}
	if p := tbl.AuthorizeFrame("s1", "bob"); p != nil {
		t.Fatalf("granted writer should pass frame authorization: %v", p)
	}

	if p := tbl.RevokeWrite("s1", "alice", "bob"); p != nil {
		t.Fatalf("owner revoke failed: %v", p)
	}
	if p := tbl.AuthorizeFrame("s1", "bob"); p == nil || p.Code != envelope.ErrUnauthorizedStreamWrite {
		t.Fatalf("revoked writer should fail frame authorization, got %v", p)
	}
}

func TestOwnerRevocationRefused(t *testing.T) {
	tbl := NewTable()
	open(tbl, "s1", "alice")

	p := tbl.RevokeWrite("s1", "alice", "alice")
	if p == nil || p.Code != envelope.ErrInvalidOperation {
		t.Fatalf("owner self-revocation must be InvalidOperation, got %v", p)
	}
}

func TestTransferOwnership(t *testing.T) {
	tbl := NewTable()
	open(tbl, "s1", "alice")

	if p := tbl.TransferOwnership("s1", "alice", "bob"); p != nil {
		t.Fatalf("transfer failed: %v", p)
	}
	s, _ := tbl.Get("s1")
	if s.Owner != "bob" {
		t.Errorf("expected owner bob, got %s", s.Owner)
	}
	if !s.CanWrite("bob") {
		t.Error("new owner must be an authorized writer")
	}

	// The previous owner can no longer revoke.
	if p := tbl.RevokeWrite("s1", "alice", "bob"); p == nil || p.Code != envelope.ErrForbidden {
		t.Fatalf("stale owner revoke should be Forbidden, got %v", p)
	}
}

func TestCloseByWriter(t *testing.T) {
	tbl := NewTable()
	open(tbl, "s1", "alice")
	tbl.GrantWrite("s1", "alice", "bob")

	if p := tbl.Close("s1", "carol"); p == nil || p.Code != envelope.ErrForbidden {
		t.Fatalf("unauthorized close should be Forbidden, got %v", p)
	}
	if p := tbl.Close("s1", "bob"); p != nil {
		t.Fatalf("writer close failed: %v", p)
	}
	if _, ok := tbl.Get("s1"); ok {
		t.Error("closed stream still in table")
	}
	if p := tbl.AuthorizeFrame("s1", "alice"); p == nil || p.Code != envelope.ErrStreamNotFound {
		t.Fatalf("frames on a closed stream should be StreamNotFound, got %v", p)
	}
}

func TestDropParticipantCleanup(t *testing.T) {
	tbl := NewTable()

	// alice owns s1 alone and s2 with bob as writer; alice also writes
	// to carol's s3.
	open(tbl, "s1", "alice")
	open(tbl, "s2", "alice")
	tbl.GrantWrite("s2", "alice", "bob")
	open(tbl, "s3", "carol")
	tbl.GrantWrite("s3", "carol", "alice")

	closed := tbl.DropParticipant("alice")
	if len(closed) != 1 || closed[0].ID != "s1" {
		t.Fatalf("expected only s1 to close, got %v", closed)
	}

	s2, ok := tbl.Get("s2")
	if !ok {
		t.Fatal("s2 should survive: bob is still an authorized writer")
	}
	if s2.Owner != "alice" {
		t.Errorf("ownership is never transferred automatically, got owner %s", s2.Owner)
	}

	s3, _ := tbl.Get("s3")
	if s3.CanWrite("alice") {
		t.Error("disconnected writer should be removed from authorized_writers")
	}
}

func TestCloseSoleWriter(t *testing.T) {
	tbl := NewTable()
	open(tbl, "s1", "bot")
	open(tbl, "s2", "bot")
	tbl.GrantWrite("s2", "bot", "human")

	closed := tbl.CloseSoleWriter("bot")
	if len(closed) != 1 || closed[0].ID != "s1" {
		t.Fatalf("expected s1 closed on restart, got %v", closed)
	}
	if _, ok := tbl.Get("s2"); !ok {
		t.Error("s2 has another writer and must stay open")
	}
}

func TestRecordSpreadsMetadata(t *testing.T) {
	tbl := NewTable()
	created := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	s := tbl.Open("s1", "alice", "upload", map[string]interface{}{
		"content_type": "application/x-game-positions",
		"format":       "binary-vector3",
		"metadata":     map[string]interface{}{"update_rate_hz": float64(60)},
	}, created)
	tbl.GrantWrite("s1", "alice", "bob")

	rec := s.Record()
	if rec["stream_id"] != "s1" || rec["owner"] != "alice" {
		t.Errorf("reserved fields wrong: %v", rec)
	}
	if rec["content_type"] != "application/x-game-positions" || rec["format"] != "binary-vector3" {
		t.Errorf("custom fields must propagate verbatim: %v", rec)
	}
	meta, ok := rec["metadata"].(map[string]interface{})
	if !ok || meta["update_rate_hz"] != float64(60) {
		t.Errorf("nested metadata must be preserved: %v", rec["metadata"])
	}
	writers, ok := rec["authorized_writers"].([]string)
	if !ok || len(writers) != 2 || writers[0] != "alice" || writers[1] != "bob" {
		t.Errorf("unexpected writers: %v", rec["authorized_writers"])
	}
	if _, present := rec["direction"]; present {
		t.Error("direction is a typed column, not snapshot metadata")
	}
}
