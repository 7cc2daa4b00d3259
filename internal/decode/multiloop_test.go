package decode

import "testing"

func TestMultiloopDecodeHeartbeat(t *testing.T) {
	d := NewMultiloopDecoder()
	ev, err := d.Decode(1, "$H|1A")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Record.Heartbeat == nil || ev.Record.Heartbeat.Seq != 0x1A {
		t.Errorf("Heartbeat = %+v", ev.Record.Heartbeat)
	}
}

func TestMultiloopDecodeEntry(t *testing.T) {
	d := NewMultiloopDecoder()
	ev, err := d.Decode(1, "$E|1|42|TR42")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e := ev.Record.Entry
	if e == nil || e.Number != "42" || e.TransponderID != "TR42" {
		t.Errorf("Entry = %+v", e)
	}
}

func TestMultiloopCompletedSectionThenCompletedLapClears(t *testing.T) {
	d := NewMultiloopDecoder()

	if _, err := d.Decode(1, "$S|1|42|S1|1F40"); err != nil {
		t.Fatalf("Decode section: %v", err)
	}
	if _, err := d.Decode(1, "$S|2|42|S2|1388"); err != nil {
		t.Fatalf("Decode section: %v", err)
	}

	open := d.OpenSections("42")
	if len(open) != 2 {
		t.Fatalf("OpenSections before lap completion = %d, want 2", len(open))
	}

	ev, err := d.Decode(1, "$C|3|42|5|16E360|240C8600")
	if err != nil {
		t.Fatalf("Decode completed lap: %v", err)
	}
	if ev.Section == nil {
		t.Fatal("expected a SectionStateUpdate when a lap clears open sections")
	}
	if len(ev.Section.ClearedSections) != 2 {
		t.Errorf("ClearedSections = %d, want 2", len(ev.Section.ClearedSections))
	}
	if len(d.OpenSections("42")) != 0 {
		t.Error("sections should be cleared after a completed lap")
	}

	lap, ok := d.LatestCompletedLap("42")
	if !ok || lap.LapNumber != 5 {
		t.Errorf("LatestCompletedLap = %+v, %v, want lap 5", lap, ok)
	}
}

func TestMultiloopFlagInformationAggregates(t *testing.T) {
	d := NewMultiloopDecoder()
	ev, err := d.Decode(1, "$F|1|green|927C0|3A980|0|2|3|2710")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f := ev.Record.Flag
	if f == nil {
		t.Fatal("expected Flag record")
	}
	if f.GreenMs != 0x927C0 || f.YellowMs != 0x3A980 || f.NumberOfYellows != 2 || f.LeadChanges != 3 {
		t.Errorf("Flag = %+v, unexpected", f)
	}
}

func TestMultiloopUnknownCode(t *testing.T) {
	d := NewMultiloopDecoder()
	_, err := d.Decode(1, "$Q|1")
	if err == nil {
		t.Fatal("expected an error for unknown multiloop code")
	}
}

func TestMultiloopTrackInformation(t *testing.T) {
	d := NewMultiloopDecoder()
	ev, err := d.Decode(1, "$T|1|PitLane|1|1|0")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tr := ev.Record.TrackInformation
	if tr == nil || tr.Name != "PitLane" || !tr.IsInPit || !tr.IsPitSF || tr.IsSF {
		t.Errorf("TrackInformation = %+v, unexpected", tr)
	}
}
