package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/duskdb/duskdb/dberr"
)

// journalRecordType identifies the kind of entry stored in the journal.
type journalRecordType byte

const (
	journalPageWrite  journalRecordType = 1
	journalCommit     journalRecordType = 2
	journalCheckpoint journalRecordType = 3
)

// journalHeaderSize is the size of the journal file's own header.
// [0:4] magic ("DSKJ") [4:8] version (uint32) [8:16] reserved
const journalHeaderSize = 16

var journalMagic = [4]byte{'D', 'S', 'K', 'J'}

// journalRecordHeaderSize is LSN(8) + Type(1) + PageID(4) + DataLen(4).
const journalRecordHeaderSize = 8 + 1 + 4 + 4
const journalRecordCRCSize = 4

// journalRecord is one entry in the write-ahead journal.
//
// The journal is a redo log: Data on a journalPageWrite record is always the
// after-image (the page's bytes as they will read once the write lands in the
// datafile), never a before-image. This is what lets
// recovery-on-open replay committed writes forward instead of rolling them back.
type journalRecord struct {
	LSN    uint64
	Type   journalRecordType
	PageID uint32
	Data   []byte
}

// journal durably records page writes ahead of the datafile, with a commit marker
// separating finished transactions from in-flight ones.
type journal struct {
	mu        sync.Mutex
	file      *os.File
	nextLSN   uint64
	records   []journalRecord
	commitLSN uint64
}

// openJournal opens or creates the journal file alongside the database file, at
// dbPath+".journal".
func openJournal(dbPath string) (*journal, error) {
	path := dbPath + ".journal"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	j := &journal{file: f, nextLSN: 1}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() == 0 {
		if err := j.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := j.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		if err := j.loadRecords(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return j, nil
}

func (j *journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// LogPageWrite journals the after-image of a page write, returning its LSN. The
// write is not durable until the next Commit.
func (j *journal) LogPageWrite(pageID uint32, afterImage []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	lsn := j.nextLSN
	j.nextLSN++

	rec := journalRecord{
		LSN:    lsn,
		Type:   journalPageWrite,
		PageID: pageID,
		Data:   append([]byte(nil), afterImage...),
	}
	if err := j.appendRecord(&rec); err != nil {
		return 0, err
	}
	j.records = append(j.records, rec)
	return lsn, nil
}

// Commit writes a commit marker and fsyncs. This is the durability point: every
// journalPageWrite logged before it is now guaranteed to survive a crash.
func (j *journal) Commit() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	lsn := j.nextLSN
	j.nextLSN++

	rec := journalRecord{LSN: lsn, Type: journalCommit}
	if err := j.appendRecord(&rec); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync commit: %w", err)
	}

	j.commitLSN = lsn
	j.records = append(j.records, rec)
	return nil
}

// CommittedPageWrites returns every journalPageWrite record that precedes a commit
// marker, in chronological order. Used both by crash recovery (replayed into the
// datafile on open) and by an explicit Checkpoint.
func (j *journal) CommittedPageWrites() []journalRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	var committed, pending []journalRecord
	for _, r := range j.records {
		switch r.Type {
		case journalPageWrite:
			pending = append(pending, r)
		case journalCommit:
			committed = append(committed, pending...)
			pending = nil
		}
	}
	// pending writes with no following commit marker belong to an unfinished
	// transaction and are discarded.
	return committed
}

// HasUncommittedWrites reports whether the tail of the journal is a page write with
// no following commit marker.
func (j *journal) HasUncommittedWrites() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := len(j.records) - 1; i >= 0; i-- {
		switch j.records[i].Type {
		case journalPageWrite:
			return true
		case journalCommit:
			return false
		}
	}
	return false
}

// Truncate clears the journal after a successful checkpoint, leaving only the header.
func (j *journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(journalHeaderSize); err != nil {
		return fmt.Errorf("journal: truncate: %w", err)
	}
	if _, err := j.file.Seek(journalHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("journal: seek after truncate: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync after truncate: %w", err)
	}

	j.records = nil
	j.commitLSN = 0
	return nil
}

func (j *journal) RecordCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func (j *journal) writeHeader() error {
	var hdr [journalHeaderSize]byte
	copy(hdr[0:4], journalMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], 1)
	_, err := j.file.WriteAt(hdr[:], 0)
	return err
}

func (j *journal) readHeader() error {
	var hdr [journalHeaderSize]byte
	if _, err := j.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("journal: read header: %w", err)
	}
	if hdr[0] != journalMagic[0] || hdr[1] != journalMagic[1] || hdr[2] != journalMagic[2] || hdr[3] != journalMagic[3] {
		return dberr.New(dberr.FileCorrupted, "journal: invalid magic number")
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != 1 {
		return dberr.New(dberr.InvalidDatabaseVersion, fmt.Sprintf("journal: unsupported version %d", version))
	}
	return nil
}

func (j *journal) appendRecord(rec *journalRecord) error {
	dataLen := len(rec.Data)
	total := journalRecordHeaderSize + dataLen + journalRecordCRCSize
	buf := make([]byte, total)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], rec.LSN)
	off += 8
	buf[off] = byte(rec.Type)
	off++
	binary.LittleEndian.PutUint32(buf[off:], rec.PageID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(dataLen))
	off += 4
	if dataLen > 0 {
		copy(buf[off:], rec.Data)
		off += dataLen
	}

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("journal: seek end: %w", err)
	}
	if _, err := j.file.Write(buf); err != nil {
		return fmt.Errorf("journal: write record: %w", err)
	}
	return nil
}

// loadRecords replays the journal file from disk, stopping at the first incomplete
// or CRC-mismatched record — the crash-safe boundary of "what was actually flushed".
func (j *journal) loadRecords() error {
	j.records = nil

	offset := int64(journalHeaderSize)
	hdrBuf := make([]byte, journalRecordHeaderSize)

	for {
		n, err := j.file.ReadAt(hdrBuf, offset)
		if err == io.EOF || n < journalRecordHeaderSize {
			break
		}
		if err != nil {
			return fmt.Errorf("journal: read record header at %d: %w", offset, err)
		}

		lsn := binary.LittleEndian.Uint64(hdrBuf[0:8])
		rtype := journalRecordType(hdrBuf[8])
		pageID := binary.LittleEndian.Uint32(hdrBuf[9:13])
		dataLen := binary.LittleEndian.Uint32(hdrBuf[13:17])

		remaining := int(dataLen) + journalRecordCRCSize
		dataBuf := make([]byte, remaining)
		n, err = j.file.ReadAt(dataBuf, offset+int64(journalRecordHeaderSize))
		if err == io.EOF || n < remaining {
			break
		}
		if err != nil {
			return fmt.Errorf("journal: read record data at %d: %w", offset, err)
		}

		crcOffset := int(dataLen)
		storedCRC := binary.LittleEndian.Uint32(dataBuf[crcOffset:])

		fullBuf := make([]byte, journalRecordHeaderSize+int(dataLen))
		copy(fullBuf, hdrBuf)
		copy(fullBuf[journalRecordHeaderSize:], dataBuf[:dataLen])
		if crc32.ChecksumIEEE(fullBuf) != storedCRC {
			break
		}

		var data []byte
		if dataLen > 0 {
			data = append([]byte(nil), dataBuf[:dataLen]...)
		}

		rec := journalRecord{LSN: lsn, Type: rtype, PageID: pageID, Data: data}
		j.records = append(j.records, rec)

		if lsn >= j.nextLSN {
			j.nextLSN = lsn + 1
		}
		if rtype == journalCommit && lsn > j.commitLSN {
			j.commitLSN = lsn
		}

		offset += int64(journalRecordHeaderSize) + int64(remaining)
	}

	return nil
}
