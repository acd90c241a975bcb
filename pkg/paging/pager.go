package paging

import (
	"context"
	"fmt"
)

// LoadState describes one load direction of a pager.
type LoadState struct {
	Loading    bool
	EndReached bool
	Err        error
}

// NotLoading is the idle state. endReached reports that no further data
// exists in that direction.
func NotLoading(endReached bool) LoadState {
	return LoadState{EndReached: endReached}
}

// Loading is the state while a load is in flight.
func Loading() LoadState {
	return LoadState{Loading: true}
}

// Failed is the state after a load returned err.
func Failed(err error) LoadState {
	return LoadState{Err: err}
}

func (s LoadState) String() string {
	switch {
	case s.Loading:
		return "loading"
	case s.Err != nil:
		return fmt.Sprintf("error(%v)", s.Err)
	case s.EndReached:
		return "end"
	default:
		return "idle"
	}
}

// Snapshot is everything a pager holds at one point in time.
type Snapshot[V any] struct {
	Items []V
	// ItemsBefore counts items dropped from the front to honour MaxSize.
	ItemsBefore int
	// ItemsAfter is the last page's estimate of items still to come.
	ItemsAfter int
	Refresh    LoadState
	Append     LoadState
	Prepend    LoadState
}

// Idle reports whether no load is in flight.
func (s Snapshot[V]) Idle() bool {
	return !s.Refresh.Loading && !s.Append.Loading && !s.Prepend.Loading
}

// Hint asks a running pager to load.
type Hint int

const (
	// HintAppend requests the next page when one exists.
	HintAppend Hint = iota
	// HintPrepend requests the previous page when one exists.
	HintPrepend
	// HintRefresh discards everything and reloads from a new source.
	HintRefresh
	// HintRetry repeats the last failed load.
	HintRetry
)

// Flow is a cold stream of snapshots. Nothing is loaded before Run.
type Flow[V any] interface {
	// Run starts loading and returns the snapshot channel. The channel is
	// closed when ctx is done or hints is closed.
	Run(ctx context.Context, hints <-chan Hint) <-chan Snapshot[V]
}

// Pager drives sources produced by newSource. Each Run uses its own source
// and owns its page state; loads within one Run never overlap.
type Pager[K, V any] struct {
	cfg       Config
	newSource func() Source[K, V]
}

// NewPager returns a pager for cfg.
func NewPager[K, V any](cfg Config, newSource func() Source[K, V]) (*Pager[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("paging config: %w", err)
	}
	if newSource == nil {
		return nil, fmt.Errorf("paging: source factory is required")
	}
	return &Pager[K, V]{cfg: cfg.withDefaults(), newSource: newSource}, nil
}

// Config returns the effective configuration.
func (p *Pager[K, V]) Config() Config {
	return p.cfg
}

func (p *Pager[K, V]) Run(ctx context.Context, hints <-chan Hint) <-chan Snapshot[V] {
	out := make(chan Snapshot[V])
	go p.run(ctx, hints, out)
	return out
}

func (p *Pager[K, V]) run(ctx context.Context, hints <-chan Hint, out chan<- Snapshot[V]) {
	defer close(out)

	s := newSession[K, V](p.cfg, p.newSource())
	if !s.load(ctx, out, LoadParams[K]{Type: Refresh, LoadSize: p.cfg.InitialLoadSize}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-hints:
			if !ok {
				return
			}
			var cont bool
			s, cont = p.handle(ctx, out, s, h)
			if !cont {
				return
			}
		}
	}
}

func (p *Pager[K, V]) handle(ctx context.Context, out chan<- Snapshot[V], s *session[K, V], h Hint) (*session[K, V], bool) {
	switch h {
	case HintAppend:
		last := s.last()
		if last == nil || last.NextKey == nil || s.append.Err != nil {
			return s, true
		}
		return s, s.load(ctx, out, LoadParams[K]{Type: Append, Key: last.NextKey, LoadSize: p.cfg.PageSize})
	case HintPrepend:
		first := s.first()
		if first == nil || first.PrevKey == nil || s.prepend.Err != nil {
			return s, true
		}
		return s, s.load(ctx, out, LoadParams[K]{Type: Prepend, Key: first.PrevKey, LoadSize: p.cfg.PageSize})
	case HintRefresh:
		key := s.source.RefreshKey(State[K, V]{Pages: s.pages, Config: p.cfg})
		next := newSession[K, V](p.cfg, p.newSource())
		return next, next.load(ctx, out, LoadParams[K]{Type: Refresh, Key: key, LoadSize: p.cfg.InitialLoadSize})
	case HintRetry:
		if s.failed == nil {
			return s, true
		}
		return s, s.load(ctx, out, *s.failed)
	}
	return s, true
}

type session[K, V any] struct {
	cfg     Config
	source  Source[K, V]
	pages   []*Page[K, V]
	dropped int
	failed  *LoadParams[K]

	refresh LoadState
	append  LoadState
	prepend LoadState
}

func newSession[K, V any](cfg Config, source Source[K, V]) *session[K, V] {
	return &session[K, V]{cfg: cfg, source: source}
}

func (s *session[K, V]) first() *Page[K, V] {
	if len(s.pages) == 0 {
		return nil
	}
	return s.pages[0]
}

func (s *session[K, V]) last() *Page[K, V] {
	if len(s.pages) == 0 {
		return nil
	}
	return s.pages[len(s.pages)-1]
}

func (s *session[K, V]) setState(t LoadType, st LoadState) {
	switch t {
	case Refresh:
		s.refresh = st
	case Append:
		s.append = st
	case Prepend:
		s.prepend = st
	}
}

// load runs one load and publishes the loading and the settled snapshot.
// It returns false once ctx is done; a result arriving after cancellation
// is discarded.
func (s *session[K, V]) load(ctx context.Context, out chan<- Snapshot[V], params LoadParams[K]) bool {
	s.setState(params.Type, Loading())
	if !s.emit(ctx, out) {
		return false
	}

	page, err := s.source.Load(ctx, params)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		s.failed = &params
		s.setState(params.Type, Failed(err))
		return s.emit(ctx, out)
	}
	s.failed = nil

	switch params.Type {
	case Refresh:
		s.pages = []*Page[K, V]{page}
		s.dropped = 0
		s.refresh = NotLoading(false)
		s.append = NotLoading(page.NextKey == nil)
		s.prepend = NotLoading(page.PrevKey == nil)
	case Append:
		s.pages = append(s.pages, page)
		s.append = NotLoading(page.NextKey == nil)
		s.trim()
	case Prepend:
		s.pages = append([]*Page[K, V]{page}, s.pages...)
		s.dropped -= page.Len()
		if s.dropped < 0 {
			s.dropped = 0
		}
		s.prepend = NotLoading(page.PrevKey == nil)
	}
	return s.emit(ctx, out)
}

// trim drops leading pages while more than MaxSize items are held. The most
// recently appended page is always kept.
func (s *session[K, V]) trim() {
	if s.cfg.MaxSize == 0 {
		return
	}
	for len(s.pages) > 1 && s.held() > s.cfg.MaxSize {
		s.dropped += s.pages[0].Len()
		s.pages = s.pages[1:]
		s.prepend = NotLoading(s.pages[0].PrevKey == nil)
	}
}

func (s *session[K, V]) held() int {
	n := 0
	for _, p := range s.pages {
		n += p.Len()
	}
	return n
}

func (s *session[K, V]) snapshot() Snapshot[V] {
	items := make([]V, 0, s.held())
	for _, p := range s.pages {
		items = append(items, p.Data...)
	}
	after := 0
	if last := s.last(); last != nil && last.ItemsAfter != CountUndefined {
		after = last.ItemsAfter
	}
	return Snapshot[V]{
		Items:       items,
		ItemsBefore: s.dropped,
		ItemsAfter:  after,
		Refresh:     s.refresh,
		Append:      s.append,
		Prepend:     s.prepend,
	}
}

func (s *session[K, V]) emit(ctx context.Context, out chan<- Snapshot[V]) bool {
	select {
	case out <- s.snapshot():
		return true
	case <-ctx.Done():
		return false
	}
}

type mapped[V, W any] struct {
	flow Flow[V]
	fn   func(V) W
}

// Map returns a flow whose snapshots carry fn applied to every item of f's
// snapshots.
func Map[V, W any](f Flow[V], fn func(V) W) Flow[W] {
	return &mapped[V, W]{flow: f, fn: fn}
}

func (m *mapped[V, W]) Run(ctx context.Context, hints <-chan Hint) <-chan Snapshot[W] {
	in := m.flow.Run(ctx, hints)
	out := make(chan Snapshot[W])
	go func() {
		defer close(out)
		for snap := range in {
			items := make([]W, len(snap.Items))
			for i, v := range snap.Items {
				items[i] = m.fn(v)
			}
			converted := Snapshot[W]{
				Items:       items,
				ItemsBefore: snap.ItemsBefore,
				ItemsAfter:  snap.ItemsAfter,
				Refresh:     snap.Refresh,
				Append:      snap.Append,
				Prepend:     snap.Prepend,
			}
			select {
			case out <- converted:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
