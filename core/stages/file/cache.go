package file

import (
	"container/list"
	"os"
	"sync"
	"time"
)

// Cache keeps recently served files open. Entries are reference counted so
// an evicted file stays open until the last request using it releases it.
type Cache struct {
	mu       sync.Mutex
	cache    map[string]*Entry
	lruList  *list.List
	maxFiles int

	hits   uint64
	misses uint64
}

// Entry is an open file shared by the requests serving it
type Entry struct {
	File    *os.File
	Size    int64
	ModTime time.Time

	path    string
	refs    int
	evicted bool
	element *list.Element
}

// NewCache creates a cache holding up to maxFiles open files
func NewCache(maxFiles int) *Cache {
	if maxFiles <= 0 {
		maxFiles = 1000
	}
	return &Cache{
		cache:    make(map[string]*Entry),
		lruList:  list.New(),
		maxFiles: maxFiles,
	}
}

// Acquire returns an open entry for path, reopening it if the file changed
// on disk. fi is the caller's fresh stat of path. Release the entry when done.
func (fc *Cache) Acquire(path string, fi os.FileInfo) (*Entry, error) {
	fc.mu.Lock()
	if e, ok := fc.cache[path]; ok {
		if e.Size == fi.Size() && e.ModTime.Equal(fi.ModTime()) {
			// Move to front (most recently used)
			fc.lruList.MoveToFront(e.element)
			e.refs++
			fc.hits++
			fc.mu.Unlock()
			return e, nil
		}
		fc.evictLocked(e)
	}
	fc.misses++
	fc.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	e := &Entry{File: f, Size: fi.Size(), ModTime: fi.ModTime(), path: path, refs: 1}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if old, ok := fc.cache[path]; ok {
		// Raced with another opener
		fc.evictLocked(old)
	}
	e.element = fc.lruList.PushFront(e)
	fc.cache[path] = e

	// Evict oldest if over limit
	for fc.lruList.Len() > fc.maxFiles {
		fc.evictLocked(fc.lruList.Back().Value.(*Entry))
	}
	return e, nil
}

// Release drops a reference taken by Acquire
func (fc *Cache) Release(e *Entry) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.evicted {
		e.File.Close()
	}
}

func (fc *Cache) evictLocked(e *Entry) {
	if e.evicted {
		return
	}
	e.evicted = true
	fc.lruList.Remove(e.element)
	delete(fc.cache, e.path)
	if e.refs == 0 {
		e.File.Close()
	}
}

// Len returns the number of cached files
func (fc *Cache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lruList.Len()
}

// Stats returns cache hits and misses
func (fc *Cache) Stats() (hits, misses uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.hits, fc.misses
}

// Close closes all idle cached files. Files still in use close on release.
func (fc *Cache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, e := range fc.cache {
		fc.evictLocked(e)
	}
}
