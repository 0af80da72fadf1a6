package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestRecordWritesCompressedJSONL(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)

	entries := []Entry{
		{Actor: "U1", Action: ActionUpload, ChamberID: "c1"},
		{Actor: "A1", Action: ActionRejected, ChamberID: "c1", Detail: "E_TRAP"},
		{Action: ActionReset},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, "audit-"+day+".jsonl.zst")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []Entry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("len = %d, want %d", len(got), len(entries))
	}
	for i, want := range entries {
		if got[i].Actor != want.Actor || got[i].Action != want.Action ||
			got[i].ChamberID != want.ChamberID || got[i].Detail != want.Detail {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want)
		}
		if got[i].Time == "" {
			t.Fatalf("entry %d missing timestamp", i)
		}
		if _, err := time.Parse(time.RFC3339Nano, got[i].Time); err != nil {
			t.Fatalf("entry %d time %q: %v", i, got[i].Time, err)
		}
	}
}

func TestRecordReopensAfterClose(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)
	if err := l.Record(Entry{Action: ActionAccepted, ChamberID: "c1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is not terminal; the next record starts a fresh frame on the
	// same daily file.
	if err := l.Record(Entry{Action: ActionAccepted, ChamberID: "c2"}); err != nil {
		t.Fatalf("record after close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
