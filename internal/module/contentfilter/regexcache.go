package contentfilter

import (
	"container/list"
	"regexp"
	"sync"
)

// regexCache is an LRU cache of compiled patterns keyed by pattern string,
// bounded by a configured size (spec.md §4.3.3: "Compiled regexes are
// cached by their pattern string with an LRU bounded by regex_cache_size;
// eviction is approximate"). A plain mutex protects it since content-filter
// decisions are made one at a time per request and contention is low
// compared to, say, the module registry.
type regexCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type regexCacheEntry struct {
	pattern string
	re      *regexp.Regexp
}

func newRegexCache(capacity int) *regexCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &regexCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

// compile returns a compiled *regexp.Regexp for pattern, from cache if
// present, compiling and inserting otherwise. caseInsensitive prepends the
// (?i) flag group the spec calls for.
func (c *regexCache) compile(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if caseInsensitive {
		key = "(?i)" + pattern
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		entry := el.Value.(*regexCacheEntry)
		c.mu.Unlock()
		return entry.re, nil
	}
	c.mu.Unlock()

	re, err := regexp.Compile(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*regexCacheEntry).re, nil
	}
	el := c.ll.PushFront(&regexCacheEntry{pattern: key, re: re})
	c.items[key] = el
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*regexCacheEntry).pattern)
	}
	return re, nil
}

func (c *regexCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
