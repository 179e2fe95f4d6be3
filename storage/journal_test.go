package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempJournalDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.duskdb")
}

func TestJournalCreateAndClose(t *testing.T) {
	dbPath := tempJournalDBPath(t)
	journalPath := dbPath + ".journal"

	j, err := openJournal(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if j.RecordCount() != 0 {
		t.Errorf("expected 0 records, got %d", j.RecordCount())
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(journalPath); os.IsNotExist(err) {
		t.Error("journal file should exist")
	}
}

func TestJournalAppendAndReload(t *testing.T) {
	dbPath := tempJournalDBPath(t)

	j, err := openJournal(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pageData := make([]byte, PageSize)
	copy(pageData[0:5], []byte("HELLO"))

	lsn1, err := j.LogPageWrite(1, pageData)
	if err != nil {
		t.Fatalf("log page write: %v", err)
	}
	if lsn1 != 1 {
		t.Errorf("expected LSN 1, got %d", lsn1)
	}

	lsn2, err := j.LogPageWrite(2, pageData)
	if err != nil {
		t.Fatalf("log page write 2: %v", err)
	}
	if lsn2 != 2 {
		t.Errorf("expected LSN 2, got %d", lsn2)
	}

	if err := j.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if j.RecordCount() != 3 { // 2 writes + 1 commit
		t.Errorf("expected 3 records, got %d", j.RecordCount())
	}

	j.Close()

	j2, err := openJournal(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if j2.RecordCount() != 3 {
		t.Errorf("expected 3 records after reload, got %d", j2.RecordCount())
	}

	committed := j2.CommittedPageWrites()
	if len(committed) != 2 {
		t.Errorf("expected 2 committed page writes, got %d", len(committed))
	}
	if committed[0].PageID != 1 {
		t.Errorf("expected page 1, got %d", committed[0].PageID)
	}
	if committed[1].PageID != 2 {
		t.Errorf("expected page 2, got %d", committed[1].PageID)
	}
	if string(committed[0].Data[0:5]) != "HELLO" {
		t.Errorf("expected HELLO, got %s", string(committed[0].Data[0:5]))
	}
}

// TestJournalUncommittedIgnored exercises the S3 crash scenario at the journal
// layer: writes with no following commit marker never surface as committed, on
// either the live journal or a freshly reloaded one.
func TestJournalUncommittedIgnored(t *testing.T) {
	dbPath := tempJournalDBPath(t)

	j, err := openJournal(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pageData := make([]byte, PageSize)
	j.LogPageWrite(1, pageData)
	j.LogPageWrite(2, pageData)

	committed := j.CommittedPageWrites()
	if len(committed) != 0 {
		t.Errorf("expected 0 committed writes, got %d", len(committed))
	}
	if !j.HasUncommittedWrites() {
		t.Error("should have uncommitted writes")
	}

	j.Close()

	j2, err := openJournal(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	committed = j2.CommittedPageWrites()
	if len(committed) != 0 {
		t.Errorf("expected 0 committed writes after reload, got %d", len(committed))
	}
}

func TestJournalTruncate(t *testing.T) {
	dbPath := tempJournalDBPath(t)

	j, err := openJournal(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pageData := make([]byte, PageSize)
	j.LogPageWrite(1, pageData)
	j.Commit()

	if j.RecordCount() != 2 {
		t.Errorf("expected 2 records, got %d", j.RecordCount())
	}

	if err := j.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if j.RecordCount() != 0 {
		t.Errorf("expected 0 records after truncate, got %d", j.RecordCount())
	}
	if j.HasUncommittedWrites() {
		t.Error("freshly truncated journal should have no uncommitted writes")
	}
}
