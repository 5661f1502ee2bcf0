package eventlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPersistenceAcrossReopen(t *testing.T) {
	// Scenario S3.
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	l, err := Open(Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append([]byte("data1")); err != nil {
		t.Fatal(err)
	}
	if err := l.Append([]byte("data2")); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.Replay()
	want := [][]byte{[]byte("data1"), []byte("data2")}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("entry %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestRetentionByCount(t *testing.T) {
	// Scenario S4.
	l, err := Open(Options{MaxEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range []string{"a", "b", "c"} {
		if err := l.Append([]byte(e)); err != nil {
			t.Fatal(err)
		}
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 retained entries, got %d", l.Len())
	}
	got := l.Replay()
	if string(got[0]) != "b" || string(got[1]) != "c" {
		t.Fatalf("unexpected retained entries: %q", got)
	}
}

func TestRetentionRewritesFileInFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	l, err := Open(Options{Path: path, MaxEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range []string{"a", "b", "c"} {
		if err := l.Append([]byte(e)); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	reopened, err := Open(Options{Path: path, MaxEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.Replay()
	if len(got) != 2 || string(got[0]) != "b" || string(got[1]) != "c" {
		t.Fatalf("unexpected entries after reopen: %q", got)
	}
}

func TestLoadToleratesTruncatedTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	l, err := Open(Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append([]byte("complete")); err != nil {
		t.Fatal(err)
	}
	l.Close()

	// Simulate a crash mid-write: a length header with no (or a short)
	// payload appended after the last complete frame.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0, 0, 0, 100, 'o', 'n', 'l', 'y'})
	f.Close()

	reopened, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("expected truncated trailing frame to be tolerated, got error: %v", err)
	}
	got := reopened.Replay()
	if len(got) != 1 || string(got[0]) != "complete" {
		t.Fatalf("unexpected entries: %q", got)
	}
}

func TestCompactClearsEntriesAndTruncatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	l, err := Open(Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	l.Append([]byte("a"))
	l.Append([]byte("b"))

	if err := l.Compact([]byte("snapshot-blob")); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty log after compact, got %d entries", l.Len())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected truncated file, got size %d", info.Size())
	}
}

func TestCompressedLogRoundTripsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	l, err := Open(Options{Path: path, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range []string{"alpha", "beta", "gamma"} {
		if err := l.Append([]byte(e)); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// zstd magic number; confirms the file is actually compressed rather
	// than plain length-prefixed frames.
	want := []byte{0x28, 0xb5, 0x2f, 0xfd}
	if !bytes.HasPrefix(raw, want) {
		t.Fatalf("expected zstd magic number prefix, got % x", raw[:min(4, len(raw))])
	}

	reopened, err := Open(Options{Path: path, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.Replay()
	wantEntries := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	if len(got) != len(wantEntries) {
		t.Fatalf("got %d entries, want %d", len(got), len(wantEntries))
	}
	for i := range wantEntries {
		if !bytes.Equal(got[i], wantEntries[i]) {
			t.Fatalf("entry %d: got %q want %q", i, got[i], wantEntries[i])
		}
	}
}

func TestMemoryOnlyLogNeverTouchesDisk(t *testing.T) {
	l, err := Open(Options{})
	if err != nil {
		t.Fatal(err)
	}
	l.Append([]byte("x"))
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
}
