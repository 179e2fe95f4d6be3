package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/duskdb/duskdb/dberr"
)

// disk owns the raw file handle and the page-granular I/O contract (component A of
// the storage engine): readPage, writePage, pageCount and flush. It knows nothing
// about page semantics, the cache, or the journal.
type disk struct {
	file     StorageFile
	readOnly bool
}

func openDisk(path string, readOnly bool) (*disk, *fileLock, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("disk: open %q: %w", path, err)
	}

	var lock *fileLock
	if !readOnly {
		lock, err = lockFile(path)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return &disk{file: f, readOnly: readOnly}, lock, nil
}

func openMemDisk() *disk {
	return &disk{file: NewMemFile()}
}

// pageCount returns the number of whole pages currently in the file.
func (d *disk) pageCount() (uint32, error) {
	info, err := d.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("disk: stat: %w", err)
	}
	return uint32(info.Size() / PageSize), nil
}

// readPage reads a single page at the given id from disk, bypassing the cache. A
// request past the current end of file returns a freshly zeroed buffer rather than
// an error, so the file can grow lazily as new pages are allocated.
func (d *disk) readPage(id uint32) (*Page, error) {
	p := &Page{}
	off := int64(id) * PageSize
	n, err := d.file.ReadAt(p.Data[:], off)
	if err == io.EOF {
		return p, nil
	}
	if err != nil && n < PageSize {
		return nil, fmt.Errorf("disk: read page %d: %w", id, err)
	}
	return p, nil
}

// writePage writes a single page at its own id's offset, bypassing the cache.
func (d *disk) writePage(p *Page) error {
	if d.readOnly {
		return fmt.Errorf("disk: write page %d: %w", p.PageID(), dberr.ErrReadOnly)
	}
	off := int64(p.PageID()) * PageSize
	if _, err := d.file.WriteAt(p.Data[:], off); err != nil {
		return fmt.Errorf("disk: write page %d: %w", p.PageID(), err)
	}
	return nil
}

// flush syncs the underlying file to stable storage.
func (d *disk) flush() error {
	if d.readOnly {
		return nil
	}
	return d.file.Sync()
}

func (d *disk) close() error {
	return d.file.Close()
}
