package decode

import "testing"

func TestDecodePassingsAndResolve(t *testing.T) {
	payload := []byte(`[
		{"transponderId":"TR1","loopName":"S1","isInPit":false,"isResend":false},
		{"transponderId":"TR99","loopName":"S1","isInPit":false,"isResend":false}
	]`)
	batch, err := DecodePassings(5, payload)
	if err != nil {
		t.Fatalf("DecodePassings: %v", err)
	}
	if batch.SessionID != 5 || len(batch.Passings) != 2 {
		t.Fatalf("batch = %+v, unexpected", batch)
	}

	entries := NewEntryTable()
	entries.Set("TR1", "42")

	resolved := batch.Resolve(entries)
	if len(resolved) != 1 {
		t.Fatalf("Resolve() = %d entries, want 1 (unknown transponder dropped)", len(resolved))
	}
	if resolved[0].Number != "42" {
		t.Errorf("resolved[0].Number = %q, want 42", resolved[0].Number)
	}
}

func TestDecodeLoops(t *testing.T) {
	payload := []byte(`[{"name":"PitIn","isInPit":true},{"name":"S1","isStartFinish":true}]`)
	batch, err := DecodeLoops(5, payload)
	if err != nil {
		t.Fatalf("DecodeLoops: %v", err)
	}
	if len(batch.Loops) != 2 || !batch.Loops[0].IsInPit || !batch.Loops[1].IsStartFinish {
		t.Errorf("batch = %+v, unexpected", batch)
	}
}

func TestDecodePassingsMalformedJSON(t *testing.T) {
	if _, err := DecodePassings(1, []byte("not json")); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestEntryTableUnsetTransponderIgnored(t *testing.T) {
	entries := NewEntryTable()
	entries.Set("", "99")
	if _, ok := entries.CarNumber(""); ok {
		t.Error("expected blank transponder id to be ignored")
	}
}
