package pager

import "sync"

// NOPAGE is the sentinel page number for a page frame that isn't backing
// any on-disk page yet.
const NOPAGE = int64(-1)

// Page is one page-sized buffer frame. Pages are pinned while in use
// (pinCount > 0) and dirty once a caller has written to their data.
type Page struct {
	pager    *Pager
	pagenum  int64
	pinCount int
	dirty    bool
	data     *[]byte

	updateMtx sync.Mutex // held by the recovery manager during a checkpoint.
}

// GetPageNum returns the page's backing page number.
func (page *Page) GetPageNum() int64 {
	return page.pagenum
}

// Get pins the page for another borrower.
func (page *Page) Get() {
	page.pager.ptMtx.Lock()
	defer page.pager.ptMtx.Unlock()
	page.pinCount++
}

// Put unpins the page. Once the pin count drops to zero the page moves
// from the pinned list to the unpinned list, making it eligible for
// eviction.
func (page *Page) Put() {
	pager := page.pager
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	if page.pinCount > 0 {
		page.pinCount--
	}
	if page.pinCount == 0 {
		if link, ok := pager.pageTable[page.pagenum]; ok && link.GetList() == pager.pinnedList {
			link.PopSelf()
			pager.pageTable[page.pagenum] = pager.unpinnedList.PushTail(page)
		}
	}
}

// GetData returns the page's raw byte buffer.
func (page *Page) GetData() *[]byte {
	return page.data
}

// MarkDirty flags the page as needing a flush before eviction.
func (page *Page) MarkDirty() {
	page.dirty = true
}

// IsDirty reports whether the page has unflushed writes.
func (page *Page) IsDirty() bool {
	return page.dirty
}

// LockUpdates blocks further writes to this page during a checkpoint.
func (page *Page) LockUpdates() {
	page.updateMtx.Lock()
}

// UnlockUpdates re-enables writes to this page after a checkpoint.
func (page *Page) UnlockUpdates() {
	page.updateMtx.Unlock()
}
