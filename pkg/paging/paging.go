// Package paging hosts offset- or cursor-keyed paging sources. A Source
// loads one page per call; a Pager drives a source on behalf of a consumer
// and publishes snapshots of everything loaded so far.
package paging

import (
	"context"
	"errors"
	"fmt"
)

// CountUndefined marks an unknown ItemsBefore or ItemsAfter count.
const CountUndefined = -1

// ErrUnsupportedLoad is returned by sources for load directions they do not
// implement.
var ErrUnsupportedLoad = errors.New("paging: unsupported load type")

// UnsupportedLoad returns ErrUnsupportedLoad annotated with the direction.
func UnsupportedLoad(t LoadType) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedLoad, t)
}

// LoadType is the direction of a load request.
type LoadType int

const (
	// Refresh restarts paging from the refresh key.
	Refresh LoadType = iota
	// Append extends the loaded data forward.
	Append
	// Prepend extends the loaded data backward.
	Prepend
)

func (t LoadType) String() string {
	switch t {
	case Refresh:
		return "refresh"
	case Append:
		return "append"
	case Prepend:
		return "prepend"
	default:
		return fmt.Sprintf("LoadType(%d)", int(t))
	}
}

// LoadParams describes one load request. Key is nil for an initial refresh.
type LoadParams[K any] struct {
	Type     LoadType
	Key      *K
	LoadSize int
}

// Page is the result of a successful load.
type Page[K, V any] struct {
	Data    []V
	PrevKey *K
	NextKey *K
	// ItemsBefore and ItemsAfter estimate how many items exist outside the
	// page, or hold CountUndefined.
	ItemsBefore int
	ItemsAfter  int
}

// Len returns the number of items in the page.
func (p *Page[K, V]) Len() int {
	return len(p.Data)
}

// Config controls page sizes and how much data a Pager keeps in memory.
type Config struct {
	PageSize        int
	InitialLoadSize int
	// MaxSize bounds the number of held items. Zero means unbounded.
	MaxSize int
}

func (c Config) withDefaults() Config {
	if c.InitialLoadSize <= 0 {
		c.InitialLoadSize = 3 * c.PageSize
	}
	return c
}

// Validate reports whether the configuration can drive a pager.
func (c Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("max size must not be negative, got %d", c.MaxSize)
	}
	if c.MaxSize > 0 && c.MaxSize < 2*c.PageSize {
		return fmt.Errorf("max size %d must be at least twice the page size %d", c.MaxSize, c.PageSize)
	}
	return nil
}

// State is the paging state handed to Source.RefreshKey.
type State[K, V any] struct {
	Pages  []*Page[K, V]
	Config Config
}

// Source loads pages of V keyed by K.
type Source[K, V any] interface {
	Load(ctx context.Context, params LoadParams[K]) (*Page[K, V], error)
	// RefreshKey returns the key a refresh should start from, or nil to
	// start from the beginning.
	RefreshKey(state State[K, V]) *K
}
