package models

import (
	"path"

	"honnef.co/go/qmltrace/trace"
)

type LoadState uint8

const (
	LoadInitial LoadState = iota
	LoadLoading
	LoadFinished
	LoadError
)

type CacheState uint8

const (
	// CacheUncached means the pixmap isn't in the cache.
	CacheUncached CacheState = iota
	// CacheToBeCached means the pixmap was added to the cache before its size was known.
	CacheToBeCached
	CacheCached
	// CacheUncacheable means the pixmap was added to the cache but failed to load.
	CacheUncacheable
	// CacheCorrupt means the pixmap failed to load after it had been cached with a known size.
	CacheCorrupt
)

// PixmapState is one incarnation of a pixmap. The same URL can be loaded several times, in different sizes.
type PixmapState struct {
	Width, Height int64
	SizeKnown     bool
	Load          LoadState
	Cache         CacheState
	// loadItem is the index of the item describing the loading of this state, or -1.
	loadItem int
}

func (st *PixmapState) bytes() int64 { return st.Width * st.Height }

type Pixmap struct {
	URL      string
	RefCount int64
	States   []PixmapState
}

type PixmapItemKind uint8

const (
	// PixmapCacheSize items describe the cumulative size of the cache.
	PixmapCacheSize PixmapItemKind = iota
	// PixmapLoad items describe the loading of a pixmap.
	PixmapLoad
)

type PixmapItem struct {
	Start    trace.Timestamp
	Duration trace.Timestamp
	Kind     PixmapItemKind
	// Pixmap and State identify the pixmap state of PixmapLoad items. They are -1 for PixmapCacheSize items.
	Pixmap int
	State  int
	// CacheSize is the size of all cached pixmaps, in pixels, for PixmapCacheSize items.
	CacheSize int64
	open      bool
}

// PixmapCache tracks the loading of pixmaps and the size of the pixmap cache.
type PixmapCache struct {
	items   []PixmapItem
	pixmaps []Pixmap
	byURL   map[string]int

	cumulatedCount int64
	cacheItem      int
	cacheSize      int64
	maxCacheSize   int64
}

func NewPixmapCache() *PixmapCache {
	m := &PixmapCache{}
	m.Clear()
	return m
}

func (m *PixmapCache) Features() trace.Feature { return trace.FeaturePixmapCache }

func (m *PixmapCache) Initialize() {}

func (m *PixmapCache) pixmap(url string) int {
	if idx, ok := m.byURL[url]; ok {
		return idx
	}
	m.pixmaps = append(m.pixmaps, Pixmap{URL: url})
	idx := len(m.pixmaps) - 1
	m.byURL[url] = idx
	return idx
}

// findState returns the index of the first state of pixmap p that satisfies pred, or -1.
func (m *PixmapCache) findState(p int, pred func(st *PixmapState) bool) int {
	states := m.pixmaps[p].States
	for i := range states {
		if pred(&states[i]) {
			return i
		}
	}
	return -1
}

func (m *PixmapCache) newState(p int) int {
	m.pixmaps[p].States = append(m.pixmaps[p].States, PixmapState{loadItem: -1})
	return len(m.pixmaps[p].States) - 1
}

func (m *PixmapCache) LoadEvent(ev trace.Event, typ *trace.EventType) {
	if typ.Message != trace.MessagePixmapCache {
		return
	}
	var url string
	if loc, ok := typ.Location.Get(); ok {
		url = loc.File
	}
	p := m.pixmap(url)

	switch typ.Detail {
	case trace.PixmapLoadingStarted:
		s := m.findState(p, func(st *PixmapState) bool { return st.Load == LoadInitial })
		if s == -1 {
			s = m.newState(p)
		}
		m.items = append(m.items, PixmapItem{Start: ev.Ts, Kind: PixmapLoad, Pixmap: p, State: s, open: true})
		st := &m.pixmaps[p].States[s]
		st.Load = LoadLoading
		st.loadItem = len(m.items) - 1

	case trace.PixmapLoadingFinished, trace.PixmapLoadingError:
		s := m.findState(p, func(st *PixmapState) bool { return st.Load == LoadLoading })
		if s == -1 {
			// The load started before we were listening.
			s = m.newState(p)
			m.items = append(m.items, PixmapItem{Start: ev.Ts, Kind: PixmapLoad, Pixmap: p, State: s, open: true})
			m.pixmaps[p].States[s].loadItem = len(m.items) - 1
		}
		st := &m.pixmaps[p].States[s]
		m.closeItem(st.loadItem, ev.Ts)
		if typ.Detail == trace.PixmapLoadingFinished {
			st.Load = LoadFinished
			break
		}
		st.Load = LoadError
		switch st.Cache {
		case CacheCached:
			// It was accounted for in the cache size, but there is no image.
			st.Cache = CacheCorrupt
			m.updateCacheSize(ev.Ts, -st.bytes())
		case CacheToBeCached:
			st.Cache = CacheUncacheable
		}

	case trace.PixmapSizeKnown:
		w, h := ev.Arg(trace.ArgPixmapWidth), ev.Arg(trace.ArgPixmapHeight)
		s := m.findState(p, func(st *PixmapState) bool { return st.SizeKnown && st.Width == w && st.Height == h })
		if s == -1 {
			s = m.findState(p, func(st *PixmapState) bool { return !st.SizeKnown })
		}
		if s == -1 {
			s = m.newState(p)
		}
		st := &m.pixmaps[p].States[s]
		st.Width, st.Height, st.SizeKnown = w, h, true
		if st.Cache == CacheToBeCached {
			st.Cache = CacheCached
			m.updateCacheSize(ev.Ts, st.bytes())
		}

	case trace.PixmapReferenceCountChanged:
		m.pixmaps[p].RefCount = ev.Arg(trace.ArgPixmapCount)

	case trace.PixmapCacheCountChanged:
		count := ev.Arg(trace.ArgPixmapCount)
		uncache := count < m.cumulatedCount
		m.cumulatedCount = count
		var delta int64
		if uncache {
			s := m.findState(p, func(st *PixmapState) bool { return st.Cache == CacheCached })
			if s == -1 {
				s = m.findState(p, func(st *PixmapState) bool {
					return st.Cache == CacheCorrupt || st.Cache == CacheToBeCached || st.Cache == CacheUncacheable
				})
			}
			if s == -1 {
				// Cached before we were listening and never seen since.
				break
			}
			st := &m.pixmaps[p].States[s]
			if st.Cache == CacheCached {
				delta = -st.bytes()
			}
			st.Cache = CacheUncached
		} else {
			s := m.findState(p, func(st *PixmapState) bool { return st.Cache == CacheUncached && st.SizeKnown })
			if s == -1 {
				s = m.findState(p, func(st *PixmapState) bool { return st.Cache == CacheUncached })
			}
			if s == -1 {
				s = m.newState(p)
			}
			st := &m.pixmaps[p].States[s]
			switch {
			case st.Load == LoadError:
				st.Cache = CacheUncacheable
			case st.SizeKnown:
				st.Cache = CacheCached
				delta = st.bytes()
			default:
				st.Cache = CacheToBeCached
			}
		}
		if delta != 0 {
			m.updateCacheSize(ev.Ts, delta)
		}
	}
}

// updateCacheSize starts a new cache size item. Changes at the same timestamp are merged into one item.
func (m *PixmapCache) updateCacheSize(ts trace.Timestamp, delta int64) {
	m.cacheSize += delta
	if m.cacheSize > m.maxCacheSize {
		m.maxCacheSize = m.cacheSize
	}
	if m.cacheItem >= 0 {
		cur := &m.items[m.cacheItem]
		if cur.Start == ts {
			cur.CacheSize = m.cacheSize
			return
		}
		m.closeItem(m.cacheItem, ts)
	}
	m.items = append(m.items, PixmapItem{Start: ts, Kind: PixmapCacheSize, Pixmap: -1, State: -1, CacheSize: m.cacheSize, open: true})
	m.cacheItem = len(m.items) - 1
}

func (m *PixmapCache) closeItem(idx int, end trace.Timestamp) {
	it := &m.items[idx]
	if !it.open {
		return
	}
	it.Duration = max(end-it.Start, 0)
	it.open = false
}

func (m *PixmapCache) Finalize(end trace.Timestamp) {
	for i := range m.items {
		m.closeItem(i, end)
	}
}

func (m *PixmapCache) Clear() {
	m.items = nil
	m.pixmaps = nil
	m.byURL = map[string]int{}
	m.cumulatedCount = 0
	m.cacheItem = -1
	m.cacheSize = 0
	m.maxCacheSize = 0
}

func (m *PixmapCache) Items() []PixmapItem { return m.items }
func (m *PixmapCache) Pixmaps() []Pixmap   { return m.pixmaps }

// CacheSize returns the current size of the cache, in pixels.
func (m *PixmapCache) CacheSize() int64 { return m.cacheSize }

func (m *PixmapCache) MaxCacheSize() int64 { return m.maxCacheSize }

func (m *PixmapCache) Len() int                       { return len(m.items) }
func (m *PixmapCache) Start(i int) trace.Timestamp    { return m.items[i].Start }
func (m *PixmapCache) Duration(i int) trace.Timestamp { return m.items[i].Duration }
func (m *PixmapCache) Rows() int                      { return len(m.pixmaps) + 1 }
func (m *PixmapCache) ColorClass(i int) int           { return int(m.items[i].Kind) }

// Row returns 0 for cache size items and 1 + the pixmap's index for load items.
func (m *PixmapCache) Row(i int) int {
	if m.items[i].Kind == PixmapCacheSize {
		return 0
	}
	return m.items[i].Pixmap + 1
}

func (m *PixmapCache) RowLabel(row int) string {
	if row == 0 {
		return "Cache Size"
	}
	return path.Base(m.pixmaps[row-1].URL)
}

func (m *PixmapCache) Label(i int) string {
	it := &m.items[i]
	if it.Kind == PixmapCacheSize {
		return "Image Cached"
	}
	if m.pixmaps[it.Pixmap].States[it.State].Load == LoadError {
		return "Image Load Failed"
	}
	return "Image Loaded"
}

func (m *PixmapCache) Details(i int) []Detail {
	it := &m.items[i]
	ds := []Detail{{"Type", m.Label(i)}}
	if it.Kind == PixmapCacheSize {
		ds = append(ds, Detail{"Cache Size", local.Sprintf("%d px", it.CacheSize)})
	} else {
		pm := &m.pixmaps[it.Pixmap]
		st := &pm.States[it.State]
		ds = append(ds, Detail{"File", pm.URL})
		if st.SizeKnown {
			ds = append(ds, Detail{"Width", local.Sprintf("%d px", st.Width)}, Detail{"Height", local.Sprintf("%d px", st.Height)})
		}
	}
	ds = append(ds, Detail{"Duration", FormatDuration(it.Duration)})
	return ds
}
