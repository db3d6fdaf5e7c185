package journal

import (
	"testing"
)

func TestWriter_EntriesSurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	entries := []Entry{
		{
			Tick:   1,
			Joins:  []JoinRecord{{SessionID: "s1", Subject: "player-a", Pos: [2]float64{100, -50}}},
			Digest: "d1",
		},
		{
			Tick:   2,
			Inputs: []InputRecord{{EntityID: 3, Seq: 1, Move: [2]float64{1, 0}}},
			Digest: "d2",
		},
		{
			Tick:   3,
			Leaves: []uint64{3},
			Digest: "d3",
		},
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			t.Fatalf("write tick %d: %v", e.Tick, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("files = %v, want one segment", files)
	}

	var got []Entry
	if err := Scan(files[0], func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("scanned %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Tick != entries[i].Tick || got[i].Digest != entries[i].Digest {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
	if got[0].Joins[0].Subject != "player-a" {
		t.Fatalf("join record lost: %+v", got[0].Joins)
	}
	if got[1].Inputs[0].Move != [2]float64{1, 0} {
		t.Fatalf("input record lost: %+v", got[1].Inputs)
	}
}

func TestWriter_EntriesReadableWithoutClose(t *testing.T) {
	// Each entry is flushed through the zstd stream so a crashed instance
	// leaves a readable journal tail.
	dir := t.TempDir()
	w := NewWriter(dir)
	if err := w.Write(Entry{Tick: 1, Digest: "d1"}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Close() })

	files, err := ListFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var count int
	if err := Scan(files[0], func(e Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
