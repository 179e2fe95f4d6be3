package storage

import (
	"fmt"
	"sync"

	"github.com/duskdb/duskdb/dberr"
)

// Options controls how a Pager opens its datafile.
type Options struct {
	// Journal enables the write-ahead journal (default true). Disabling it trades
	// crash safety for speed; only meaningful for scratch/throwaway datafiles.
	Journal bool
	// CacheSize is the soft cap, in pages, on the read-through page cache.
	CacheSize int
	// ReadOnly opens the datafile without a journal or write path.
	ReadOnly bool
	// InitialSize pre-allocates the datafile to at least this many bytes.
	InitialSize int64
}

// DefaultOptions returns journaling on and a 256-page cache.
func DefaultOptions() Options {
	return Options{Journal: true, CacheSize: 256}
}

// Pager is the transactional page cache and allocator: it owns the disk handle,
// the journal, the read-through cache, and the single in-flight write transaction's
// dirty-page set. Only one transaction may be open at a time — callers
// serialize through lock.Locker before calling Begin.
type Pager struct {
	mu       sync.Mutex
	disk     *disk
	fileLock *fileLock
	journal  *journal
	cache    *pageCache
	readOnly bool
	useJournal bool

	tx *transaction
}

// transaction holds the in-memory state of the single open write transaction: every
// page touched, its current bytes, whether it was modified, and the bytes it had
// when first loaded (used only for in-process Rollback — distinct from the
// journal's redo records, which exist for crash recovery, not in-process undo).
type transaction struct {
	pages    map[uint32]*Page
	dirty    map[uint32]bool
	preImage map[uint32][]byte
}

func newTransaction() *transaction {
	return &transaction{
		pages:    make(map[uint32]*Page),
		dirty:    make(map[uint32]bool),
		preImage: make(map[uint32][]byte),
	}
}

// Open opens (creating if necessary) the datafile at path, running crash recovery
// first if a committed-but-unapplied journal is found.
func Open(path string, opts Options) (*Pager, error) {
	d, fl, err := openDisk(path, opts.ReadOnly)
	if err != nil {
		return nil, err
	}

	pg := &Pager{
		disk:       d,
		fileLock:   fl,
		cache:      newPageCache(opts.CacheSize),
		readOnly:   opts.ReadOnly,
		useJournal: opts.Journal && !opts.ReadOnly,
	}

	if pg.useJournal {
		j, err := openJournal(path)
		if err != nil {
			d.close()
			return nil, err
		}
		pg.journal = j
		if err := pg.recover(); err != nil {
			j.Close()
			d.close()
			return nil, err
		}
	}

	if err := pg.ensureHeader(); err != nil {
		pg.Close()
		return nil, err
	}

	if opts.InitialSize > 0 && !opts.ReadOnly {
		if err := pg.preallocate(opts.InitialSize); err != nil {
			pg.Close()
			return nil, err
		}
	}

	return pg, nil
}

// preallocate grows the datafile to at least size bytes by writing a zeroed page at
// its new last offset, rounding up to a whole number of pages.
func (pg *Pager) preallocate(size int64) error {
	pages, err := pg.disk.pageCount()
	if err != nil {
		return err
	}
	wantPages := uint32((size + PageSize - 1) / PageSize)
	if wantPages <= pages {
		return nil
	}
	last := NewPage(PageTypeEmpty, wantPages-1)
	if err := pg.disk.writePage(last); err != nil {
		return err
	}
	return pg.disk.flush()
}

// OpenMemory opens a Pager backed entirely by memory, never touching disk — used by
// tests and by the facade's in-memory mode.
func OpenMemory() (*Pager, error) {
	pg := &Pager{
		disk:       openMemDisk(),
		cache:      newPageCache(256),
		useJournal: false,
	}
	if err := pg.ensureHeader(); err != nil {
		return nil, err
	}
	return pg, nil
}

// recover replays a journal whose tail is already committed (crash between journal
// flush and datafile writes) and discards one
// whose tail has no commit marker (crash before the journal's own flush completed;
// the datafile was never touched, so there is nothing to undo). Both outcomes are
// idempotent: replaying an already-applied record writes identical bytes back.
func (pg *Pager) recover() error {
	if pg.journal.HasUncommittedWrites() {
		// Pre-commit crash: the datafile is intact, nothing to replay. Drop the
		// partial tail so a later Begin starts clean.
		return pg.journal.Truncate()
	}

	writes := pg.journal.CommittedPageWrites()
	if len(writes) == 0 {
		return nil
	}

	for _, rec := range writes {
		p := &Page{}
		copy(p.Data[:], rec.Data)
		if err := pg.disk.writePage(p); err != nil {
			return fmt.Errorf("pager: recovery: %w", err)
		}
	}
	if err := pg.disk.flush(); err != nil {
		return fmt.Errorf("pager: recovery flush: %w", err)
	}
	return pg.journal.Truncate()
}

// ensureHeader creates page 0 if the datafile is brand new.
func (pg *Pager) ensureHeader() error {
	n, err := pg.disk.pageCount()
	if err != nil {
		return err
	}
	if n > 0 {
		p, err := pg.disk.readPage(headerPageID)
		if err != nil {
			return err
		}
		if p.Type() != PageTypeHeader {
			return dberr.ErrInvalidDatabase
		}
		return checkHeaderMagic(p)
	}
	if pg.readOnly {
		return dberr.New(dberr.FileNotFound, "datafile does not exist")
	}
	hp := newHeaderPage()
	if err := pg.disk.writePage(hp); err != nil {
		return err
	}
	return pg.disk.flush()
}

// Close flushes and releases every handle the Pager owns, on every exit path.
func (pg *Pager) Close() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if pg.journal != nil {
		record(pg.journal.Close())
	}
	if pg.disk != nil {
		record(pg.disk.close())
	}
	if pg.fileLock != nil {
		record(pg.fileLock.unlock())
	}
	return firstErr
}

// Begin starts the single write transaction. It is an error to call Begin while one
// is already open.
func (pg *Pager) Begin() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.readOnly {
		return dberr.ErrReadOnly
	}
	if pg.tx != nil {
		return dberr.New(dberr.Unknown, "pager: transaction already open")
	}
	pg.tx = newTransaction()
	return nil
}

// inTx reports whether a write transaction is currently open.
func (pg *Pager) inTx() bool { return pg.tx != nil }

// Get loads a page, preferring the in-flight transaction's copy, then the
// read-through cache, then disk. markDirty additionally promotes the page into the
// transaction's dirty set (starting a transaction's copy-on-first-touch if this is
// the page's first mutation).
func (pg *Pager) Get(id uint32, markDirty bool) (*Page, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.tx != nil {
		if p, ok := pg.tx.pages[id]; ok {
			if markDirty {
				pg.tx.dirty[id] = true
			}
			return p, nil
		}
	}

	var p *Page
	if data, ok := pg.cache.get(id); ok {
		p = &Page{Data: data}
	} else {
		var err error
		p, err = pg.disk.readPage(id)
		if err != nil {
			return nil, err
		}
		pg.cache.put(id, p.Data)
	}

	if pg.tx != nil {
		pg.tx.pages[id] = p
		pg.tx.preImage[id] = append([]byte(nil), p.Data[:]...)
		if markDirty {
			pg.tx.dirty[id] = true
		}
	}
	return p, nil
}

// MarkDirty promotes an already-loaded page into the current transaction's dirty
// set without re-reading it, for callers that mutated a pointer obtained earlier
// from Get(id, false).
func (pg *Pager) MarkDirty(id uint32) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.tx != nil {
		pg.tx.dirty[id] = true
	}
}

// NewPage allocates a fresh page of type t: reused from the empty-page list when one
// is available, else by bumping LastPageID. If prevID is
// not NoPageID, the new page is linked after it (prev.Next = new, new.Prev = prev).
// A page taken from the empty list
// keeps its on-disk pre-image in the transaction's undo buffer (Get already did
// this when the page was first touched here) rather than being silently
// overwritten with a zeroed no-op copy.
func (pg *Pager) NewPage(t PageType, prevID uint32) (*Page, error) {
	if pg.tx == nil {
		return nil, dberr.New(dberr.Unknown, "pager: NewPage outside a transaction")
	}

	header, err := pg.Get(headerPageID, true)
	if err != nil {
		return nil, err
	}

	var p *Page
	if head := freeEmptyPageID(header); head != NoPageID {
		// Reuse path: Get above already stashed this page's last-read (pre-reuse)
		// bytes in tx.preImage, so Rollback can still restore them even though
		// its logical content is about to change kind.
		reused, err := pg.Get(head, true)
		if err != nil {
			return nil, err
		}
		setFreeEmptyPageID(header, reused.NextPageID())
		if reused.NextPageID() != NoPageID {
			next, err := pg.Get(reused.NextPageID(), true)
			if err != nil {
				return nil, err
			}
			next.SetPrevPageID(NoPageID)
		}
		p = NewPage(t, reused.PageID())
	} else {
		id := lastPageID(header) + 1
		setLastPageID(header, id)
		p = NewPage(t, id)
	}

	pg.tx.pages[p.PageID()] = p
	pg.tx.dirty[p.PageID()] = true
	if _, ok := pg.tx.preImage[p.PageID()]; !ok {
		pg.tx.preImage[p.PageID()] = make([]byte, PageSize)
	}

	if prevID != NoPageID {
		prev, err := pg.Get(prevID, true)
		if err != nil {
			return nil, err
		}
		prev.SetNextPageID(p.PageID())
		p.SetPrevPageID(prevID)
	}

	return p, nil
}

// DeletePage converts id (and, if cascadeNext, every page reachable via NextPageID
// from it) into EmptyPages and splices them onto the head of the global empty-page
// list. The deleted pages are marked dirty like any other, so Commit journals their
// new empty images, and their prior content stays in tx.preImage for Rollback.
func (pg *Pager) DeletePage(id uint32, cascadeNext bool) error {
	header, err := pg.Get(headerPageID, true)
	if err != nil {
		return err
	}

	cur := id
	for cur != NoPageID {
		p, err := pg.Get(cur, true)
		if err != nil {
			return err
		}
		next := p.NextPageID()

		head := freeEmptyPageID(header)
		*p = *NewPage(PageTypeEmpty, cur)
		p.SetNextPageID(head)
		if head != NoPageID {
			headPage, err := pg.Get(head, true)
			if err != nil {
				return err
			}
			headPage.SetPrevPageID(cur)
		}
		setFreeEmptyPageID(header, cur)

		if !cascadeNext {
			break
		}
		cur = next
	}
	return nil
}

// GetFree returns a page usable for at least neededBytes more of payload: the head
// of the free list rooted at headID if it has enough room (the descending-order
// invariant means a head-only check suffices), otherwise a brand new
// page of type t. isNew tells the caller whether the returned page still needs to
// be spliced onto a free list (true) or merely repositioned within the one it's
// already on (false) — it does not remove or reposition the page itself either way.
func (pg *Pager) GetFree(headID uint32, t PageType, neededBytes int) (p *Page, isNew bool, err error) {
	if headID != NoPageID {
		head, err := pg.Get(headID, false)
		if err != nil {
			return nil, false, err
		}
		if head.FreeBytes() >= neededBytes {
			p, err = pg.Get(headID, true)
			return p, false, err
		}
	}
	p, err = pg.NewPage(t, NoPageID)
	return p, true, err
}

// RemoveFromFreeList unlinks p from the free list whose head is headID, patching p's
// neighbors, and returns the list's (possibly new) head id.
func (pg *Pager) RemoveFromFreeList(headID uint32, p *Page) (uint32, error) {
	prevID, nextID := p.PrevPageID(), p.NextPageID()

	if prevID != NoPageID {
		prev, err := pg.Get(prevID, true)
		if err != nil {
			return headID, err
		}
		prev.SetNextPageID(nextID)
	}
	if nextID != NoPageID {
		next, err := pg.Get(nextID, true)
		if err != nil {
			return headID, err
		}
		next.SetPrevPageID(prevID)
	}

	newHead := headID
	if headID == p.PageID() {
		newHead = nextID
	}
	p.SetPrevPageID(NoPageID)
	p.SetNextPageID(NoPageID)
	return newHead, nil
}

// AddToFreeList splices p onto the free list whose head is headID. When ordered is
// true (data/index free lists) it walks from the head until it finds a page with
// strictly fewer free bytes than p and inserts before it, maintaining the
// descending-FreeBytes invariant; when false (the global empty-page
// pool) it simply pushes p to the front. Returns the list's new head id.
func (pg *Pager) AddToFreeList(headID uint32, p *Page, ordered bool) (uint32, error) {
	if !ordered || headID == NoPageID {
		p.SetPrevPageID(NoPageID)
		p.SetNextPageID(headID)
		if headID != NoPageID {
			head, err := pg.Get(headID, true)
			if err != nil {
				return headID, err
			}
			head.SetPrevPageID(p.PageID())
		}
		return p.PageID(), nil
	}

	pf := p.FreeBytes()
	curID := headID
	var prevID uint32 = NoPageID
	for curID != NoPageID {
		cur, err := pg.Get(curID, false)
		if err != nil {
			return headID, err
		}
		if cur.FreeBytes() < pf {
			break
		}
		prevID = curID
		curID = cur.NextPageID()
	}

	p.SetPrevPageID(prevID)
	p.SetNextPageID(curID)

	if prevID != NoPageID {
		prev, err := pg.Get(prevID, true)
		if err != nil {
			return headID, err
		}
		prev.SetNextPageID(p.PageID())
	}
	if curID != NoPageID {
		cur, err := pg.Get(curID, true)
		if err != nil {
			return headID, err
		}
		cur.SetPrevPageID(p.PageID())
	}

	if prevID == NoPageID {
		return p.PageID(), nil
	}
	return headID, nil
}

// UpdateFreeList repositions p (whose FreeBytes just changed) within the free list
// headed by headID: remove then re-add.
func (pg *Pager) UpdateFreeList(headID uint32, p *Page, ordered bool) (uint32, error) {
	headID, err := pg.RemoveFromFreeList(headID, p)
	if err != nil {
		return headID, err
	}
	return pg.AddToFreeList(headID, p, ordered)
}

// Commit writes every dirty page's after-image to the journal, flushes it, marks it
// committed, then writes the same pages to the datafile and flushes that too,
// finally truncating the journal. The commit
// marker write-then-flush is the single atomicity point: a crash before it leaves
// the datafile untouched (rolled back on replay-less recovery), a crash after it
// guarantees recovery replays every one of these pages forward.
func (pg *Pager) Commit() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.tx == nil {
		return dberr.New(dberr.Unknown, "pager: Commit with no open transaction")
	}
	tx := pg.tx

	var dirtyIDs []uint32
	for id, isDirty := range tx.dirty {
		if isDirty {
			dirtyIDs = append(dirtyIDs, id)
		}
	}

	if pg.useJournal {
		for _, id := range dirtyIDs {
			p := tx.pages[id]
			if _, err := pg.journal.LogPageWrite(id, p.Data[:]); err != nil {
				return fmt.Errorf("pager: commit journal write: %w", err)
			}
		}
		if err := pg.journal.Commit(); err != nil {
			return fmt.Errorf("pager: commit journal marker: %w", err)
		}
	}

	for _, id := range dirtyIDs {
		p := tx.pages[id]
		if err := pg.disk.writePage(p); err != nil {
			return fmt.Errorf("pager: commit datafile write: %w", err)
		}
		pg.cache.put(id, p.Data)
	}
	if err := pg.disk.flush(); err != nil {
		return fmt.Errorf("pager: commit datafile flush: %w", err)
	}

	if pg.useJournal {
		if err := pg.journal.Truncate(); err != nil {
			return fmt.Errorf("pager: commit journal truncate: %w", err)
		}
	}

	pg.tx = nil
	return nil
}

// Rollback discards every page touched by the open transaction. Nothing was ever
// written to the journal or datafile, so restoring each dirtied page's
// pre-transaction bytes (captured by Get/NewPage into tx.preImage) back into the
// read-through cache is enough to undo it — no disk I/O needed, unlike crash
// recovery, which never runs through this path at all.
func (pg *Pager) Rollback() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.tx == nil {
		return nil
	}
	for id := range pg.tx.dirty {
		var data [PageSize]byte
		copy(data[:], pg.tx.preImage[id])
		pg.cache.put(id, data)
	}
	pg.tx = nil
	return nil
}

// AvoidDirtyRead evicts the entire read-through cache, forcing every subsequent Get
// to re-read from disk. Called by lock.Locker when a reader's fresh Acquire
// observes a newer commit than it last saw.
func (pg *Pager) AvoidDirtyRead() {
	pg.cache.clear()
}

// ClearCache is the explicit, caller-invoked equivalent of AvoidDirtyRead.
func (pg *Pager) ClearCache() { pg.cache.clear() }

// CacheStats exposes the read-through cache's hit/miss counters for Engine.Stats.
func (pg *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return pg.cache.stats()
}

// Checkpoint applies every committed-but-unapplied journal record into the datafile
// and truncates the journal, outside the normal per-commit flow — an explicit,
// caller-invoked version of the same step Commit always performs.
func (pg *Pager) Checkpoint() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if !pg.useJournal {
		return nil
	}
	writes := pg.journal.CommittedPageWrites()
	for _, rec := range writes {
		p := &Page{}
		copy(p.Data[:], rec.Data)
		if err := pg.disk.writePage(p); err != nil {
			return err
		}
		pg.cache.put(rec.PageID, p.Data)
	}
	if err := pg.disk.flush(); err != nil {
		return err
	}
	return pg.journal.Truncate()
}

// HeaderPage returns the (possibly dirty, if a write transaction is open) header
// page, for callers that need LastPageID/collection-directory access directly.
func (pg *Pager) HeaderPage(markDirty bool) (*Page, error) {
	return pg.Get(headerPageID, markDirty)
}
