package pagination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 25
	MaxCount     = 100
)

// Load directions accepted on the query string.
const (
	LoadRefresh = "refresh"
	LoadAppend  = "append"
	LoadPrepend = "prepend"
)

// Key is an offset into a profile's audit event collection. Keys are values:
// every page transition produces a new one.
type Key struct {
	Offset int `json:"offset"`
}

// NewKey returns a key for offset, clamping negative input to zero.
func NewKey(offset int) Key {
	if offset < 0 {
		offset = 0
	}
	return Key{Offset: offset}
}

// Advance returns the key n items further along.
func (k Key) Advance(n int) Key {
	return NewKey(k.Offset + n)
}

// StepBack returns the key of the page of size n before k, floored at zero.
// It returns nil when k is already at the start of the collection.
func (k Key) StepBack(n int) *Key {
	if k.Offset == 0 {
		return nil
	}
	prev := NewKey(k.Offset - n)
	return &prev
}

// Ptr returns a pointer to a copy of k.
func (k Key) Ptr() *Key {
	return &k
}

func (k Key) String() string {
	return strconv.Itoa(k.Offset)
}

// Request holds the paging parameters extracted from a request.
type Request struct {
	Load   string
	Offset int
	Count  int
}

// Key returns the request offset as a paging key.
func (r Request) Key() Key {
	return NewKey(r.Offset)
}

// FromContext extracts paging parameters from the echo context. Without an
// explicit load direction a request carrying an offset is an append, any
// other request a refresh.
func FromContext(c echo.Context) Request {
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	if count <= 0 {
		count, _ = strconv.Atoi(c.QueryParam("count"))
	}
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(c.QueryParam("offset"))
	}
	if offset < 0 {
		offset = 0
	}

	load := strings.ToLower(strings.TrimSpace(c.QueryParam("load")))
	if load == "" {
		load = LoadRefresh
		if offset > 0 {
			load = LoadAppend
		}
	}

	return Request{Load: load, Offset: offset, Count: count}
}

// Link represents a single FHIR Bundle link entry.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// LinkSet describes the page a response holds and its neighbours.
type LinkSet struct {
	// Load and Size are the load direction and item count that produced
	// the current page.
	Load string
	Self Key
	Size int
	// Next and Prev are the neighbouring keys; nil omits the link.
	Next *Key
	Prev *Key
	// Count is the page size requested for neighbouring pages.
	Count int
}

// Links generates FHIR Bundle links for one page. Every URL names its load
// direction so that following it repeats exactly that load.
func Links(basePath string, ls LinkSet) []Link {
	links := []Link{
		{Relation: "self", URL: pageURL(basePath, ls.Load, ls.Self, ls.Size)},
	}
	if ls.Next != nil {
		links = append(links, Link{Relation: "next", URL: pageURL(basePath, LoadAppend, *ls.Next, ls.Count)})
	}
	if ls.Prev != nil {
		links = append(links, Link{Relation: "previous", URL: pageURL(basePath, LoadAppend, *ls.Prev, ls.Count)})
	}
	return links
}

func pageURL(basePath, load string, k Key, count int) string {
	return fmt.Sprintf("%s?load=%s&_offset=%d&_count=%d", basePath, load, k.Offset, count)
}
