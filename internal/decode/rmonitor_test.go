package decode

import (
	"errors"
	"testing"

	"github.com/redmist-timing/engine/internal/state"
)

func TestDecodeRMonitorHeartbeat(t *testing.T) {
	rec, err := DecodeRMonitorLine(7, "$F,green,12,900\r\n")
	if err != nil {
		t.Fatalf("DecodeRMonitorLine: %v", err)
	}
	if rec.Heartbeat == nil {
		t.Fatal("expected Heartbeat record")
	}
	hb := rec.Heartbeat
	if hb.SessionID != 7 || hb.Flag != state.FlagGreen || hb.LapsToGo != 12 || hb.TimeToGo != 900 {
		t.Errorf("Heartbeat = %+v, unexpected", hb)
	}
}

func TestDecodeRMonitorClassDefinition(t *testing.T) {
	rec, err := DecodeRMonitorLine(1, `$G,GT3,"GT3 Class"`)
	if err != nil {
		t.Fatalf("DecodeRMonitorLine: %v", err)
	}
	if rec.Class == nil || rec.Class.Code != "GT3" || rec.Class.Name != "GT3 Class" {
		t.Errorf("Class = %+v, unexpected", rec.Class)
	}
}

func TestDecodeRMonitorCompetitorEntry(t *testing.T) {
	rec, err := DecodeRMonitorLine(1, `$A,42,TR001,"A. Driver",GT3`)
	if err != nil {
		t.Fatalf("DecodeRMonitorLine: %v", err)
	}
	c := rec.Competitor
	if c == nil || c.Number != "42" || c.TransponderID != "TR001" || c.Name != "A. Driver" || c.Class != "GT3" {
		t.Errorf("Competitor = %+v, unexpected", c)
	}
}

// TestDecodeRMonitorThreeCarScenario mirrors spec.md §8 scenario 1:
// "Single-class three cars" with totals 600.000, 601.000, 602.000 at
// positions 1,2,3.
func TestDecodeRMonitorThreeCarScenario(t *testing.T) {
	lines := []string{
		`$H,1,1,5,91234,91234,600000`,
		`$H,2,2,5,92000,92000,601000`,
		`$H,3,3,5,92500,92500,602000`,
	}
	var updates []*CarUpdate
	for _, l := range lines {
		rec, err := DecodeRMonitorLine(1, l)
		if err != nil {
			t.Fatalf("DecodeRMonitorLine(%q): %v", l, err)
		}
		if rec.Car == nil {
			t.Fatalf("expected Car update for %q", l)
		}
		updates = append(updates, rec.Car)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	for i, u := range updates {
		if u.TotalTime != 600000+i*1000 {
			t.Errorf("updates[%d].TotalTime = %d, want %d", i, u.TotalTime, 600000+i*1000)
		}
		if u.OverallPosition != i+1 {
			t.Errorf("updates[%d].OverallPosition = %d, want %d", i, u.OverallPosition, i+1)
		}
	}
}

func TestDecodeRMonitorUnknownCodeIsLoggedAndSkipped(t *testing.T) {
	_, err := DecodeRMonitorLine(1, "$Z,whatever")
	var unk *ErrUnknownRecord
	if !errors.As(err, &unk) {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
}

func TestDecodeRMonitorMissingPrefixIsMalformed(t *testing.T) {
	_, err := DecodeRMonitorLine(1, "F,green,1,2")
	var mal *ErrMalformed
	if !errors.As(err, &mal) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRMonitorQuotedFieldWithComma(t *testing.T) {
	rec, err := DecodeRMonitorLine(1, `$A,7,TR007,"Doe, Jane",LMP2`)
	if err != nil {
		t.Fatalf("DecodeRMonitorLine: %v", err)
	}
	if rec.Competitor.Name != "Doe, Jane" {
		t.Errorf("Name = %q, want quoted comma preserved", rec.Competitor.Name)
	}
}
