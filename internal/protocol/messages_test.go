package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ent0n29/atelier/internal/autosave"
	"github.com/ent0n29/atelier/internal/modstate"
)

func TestParseResultRecord(t *testing.T) {
	raw := []byte(`{"shape":"record","id":"r1","kind":"video","artifact":"https://cdn/clip.mp4","timestamp":1700000000000}`)
	msg, err := ParseResult(raw)
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}

	rec, ok := msg.(modstate.Record)
	if !ok {
		t.Fatalf("result type = %T, want modstate.Record", msg)
	}
	if rec.ID != "r1" || rec.Kind != modstate.KindVideo || rec.Timestamp != 1700000000000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestParseResultRecordGetsGeneratedID(t *testing.T) {
	msg, err := ParseResult([]byte(`{"shape":"record","kind":"image","artifact":"blob:1","timestamp":5}`))
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	rec := msg.(modstate.Record)
	if _, err := uuid.Parse(rec.ID); err != nil {
		t.Fatalf("ID = %q, want a uuid: %v", rec.ID, err)
	}
}

func TestParseResultLegacyShapes(t *testing.T) {
	cases := []struct {
		raw    string
		wantID string
	}{
		{`{"shape":"gallery","url":"https://cdn/a.png","timestamp":42}`, "42"},
		{`{"shape":"image","id":7,"image":"data:image/png;base64,AA=="}`, "7"},
		{`{"shape":"video","id":8,"url":"https://cdn/v.mp4"}`, "8"},
		{`{"shape":"audio","id":9,"dataUrl":"data:audio/wav;base64,AA=="}`, "9"},
	}
	for _, tc := range cases {
		msg, err := ParseResult([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseResult(%s) error = %v", tc.raw, err)
		}
		if msg.RecordID() != tc.wantID {
			t.Fatalf("RecordID() = %q, want %q", msg.RecordID(), tc.wantID)
		}
	}
}

func TestParseResultRejectsUnknownShape(t *testing.T) {
	_, err := ParseResult([]byte(`{"shape":"hologram"}`))
	if !errors.Is(err, ErrUnsupportedShape) {
		t.Fatalf("error = %v, want ErrUnsupportedShape", err)
	}
}

func TestParseResultRejectsInvalidPayloads(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"shape":"record","kind":"image"}`,
		`{"shape":"record","kind":"sculpture","artifact":"x","timestamp":1}`,
		`{"shape":"record","kind":"image","artifact":"https://cdn/1.png"}`,
		`{"shape":"record","kind":"image","artifact":"https://cdn/1.png","timestamp":-5}`,
		`{"shape":"audio","id":1,"dataUrl":"https://cdn/a.wav"}`,
		`{"shape":"image","id":0,"image":"x"}`,
	} {
		if _, err := ParseResult([]byte(raw)); err == nil {
			t.Fatalf("ParseResult(%s) expected validation error", raw)
		}
	}
}

func TestSaveStatusEventFlattensStatus(t *testing.T) {
	ev := NewSaveStatusEvent(autosave.Status{Saving: true, Pending: 2}, "sqlite", false)
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["type"] != string(TypeSaveStatus) || got["saving"] != true || got["store_mode"] != "sqlite" {
		t.Fatalf("unexpected event: %s", raw)
	}
	if got["pending"] != float64(2) {
		t.Fatalf("pending = %v, want 2", got["pending"])
	}
}

func BenchmarkParseResultRecord(b *testing.B) {
	raw := []byte(`{"shape":"record","id":"r1","kind":"image","artifact":"https://cdn/1.png","timestamp":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseResult(raw)
		if err != nil {
			b.Fatalf("ParseResult() error = %v", err)
		}
		if _, ok := msg.(modstate.Record); !ok {
			b.Fatalf("result type = %T, want modstate.Record", msg)
		}
	}
}
