package paging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// -- Fake Source --

type sliceSource struct {
	items []int
	fail  error
	calls []LoadParams[int]
}

func newSliceSource(n int) *sliceSource {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return &sliceSource{items: items}
}

func (s *sliceSource) Load(_ context.Context, p LoadParams[int]) (*Page[int, int], error) {
	s.calls = append(s.calls, p)
	if s.fail != nil {
		err := s.fail
		s.fail = nil
		return nil, err
	}
	if p.Type == Prepend {
		return nil, UnsupportedLoad(Prepend)
	}
	offset := 0
	if p.Key != nil {
		offset = *p.Key
	}
	if offset > len(s.items) {
		offset = len(s.items)
	}
	end := offset + p.LoadSize
	if end > len(s.items) {
		end = len(s.items)
	}
	data := append([]int(nil), s.items[offset:end]...)

	page := &Page[int, int]{Data: data, ItemsBefore: offset, ItemsAfter: len(s.items) - end}
	if end < len(s.items) {
		next := end
		page.NextKey = &next
	}
	if offset > 0 {
		prev := offset - p.LoadSize
		if prev < 0 {
			prev = 0
		}
		page.PrevKey = &prev
	}
	return page, nil
}

func (s *sliceSource) RefreshKey(State[int, int]) *int {
	return nil
}

func newTestPager(t *testing.T, cfg Config, src *sliceSource) *Pager[int, int] {
	t.Helper()
	p, err := NewPager(cfg, func() Source[int, int] { return src })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

// settle reads snapshots until one without an in-flight load arrives.
func settle[V any](t *testing.T, ch <-chan Snapshot[V]) Snapshot[V] {
	t.Helper()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatal("snapshot channel closed unexpectedly")
			}
			if s.Idle() {
				return s
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func drain[V any](ch <-chan Snapshot[V]) int {
	n := 0
	for range ch {
		n++
	}
	return n
}

// -- Pager Tests --

func TestPager_RefreshThenAppend(t *testing.T) {
	src := newSliceSource(120)
	p := newTestPager(t, Config{PageSize: 10, InitialLoadSize: 30}, src)
	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)

	snap := settle(t, ch)
	if len(snap.Items) != 30 {
		t.Fatalf("expected 30 items after refresh, got %d", len(snap.Items))
	}
	if snap.Append.EndReached {
		t.Error("expected more data after a full refresh")
	}

	hints <- HintAppend
	snap = settle(t, ch)
	if len(snap.Items) != 40 {
		t.Fatalf("expected 40 items after append, got %d", len(snap.Items))
	}
	if snap.Items[39] != 39 {
		t.Errorf("expected last item 39, got %d", snap.Items[39])
	}
	if snap.ItemsAfter != 80 {
		t.Errorf("expected 80 items after, got %d", snap.ItemsAfter)
	}

	close(hints)
	drain(ch)

	if len(src.calls) != 2 {
		t.Fatalf("expected 2 loads, got %d", len(src.calls))
	}
	if src.calls[0].Type != Refresh || src.calls[0].Key != nil || src.calls[0].LoadSize != 30 {
		t.Errorf("unexpected refresh params: %+v", src.calls[0])
	}
	if src.calls[1].Type != Append || *src.calls[1].Key != 30 || src.calls[1].LoadSize != 10 {
		t.Errorf("unexpected append params: %+v", src.calls[1])
	}
}

func TestPager_StopsAtEnd(t *testing.T) {
	src := newSliceSource(35)
	p := newTestPager(t, Config{PageSize: 10, InitialLoadSize: 30}, src)
	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)

	settle(t, ch)
	hints <- HintAppend
	snap := settle(t, ch)
	if len(snap.Items) != 35 {
		t.Fatalf("expected 35 items, got %d", len(snap.Items))
	}
	if !snap.Append.EndReached {
		t.Error("expected append end to be reached")
	}

	hints <- HintAppend
	close(hints)
	if n := drain(ch); n != 0 {
		t.Errorf("expected no snapshots after end of data, got %d", n)
	}
	if len(src.calls) != 2 {
		t.Errorf("expected 2 loads, got %d", len(src.calls))
	}
}

func TestPager_TrimsToMaxSize(t *testing.T) {
	src := newSliceSource(100)
	p := newTestPager(t, Config{PageSize: 10, InitialLoadSize: 30, MaxSize: 40}, src)
	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)
	defer close(hints)

	settle(t, ch)
	hints <- HintAppend
	snap := settle(t, ch)
	if len(snap.Items) != 40 || snap.ItemsBefore != 0 {
		t.Fatalf("expected 40 held items and none dropped, got %d/%d", len(snap.Items), snap.ItemsBefore)
	}

	hints <- HintAppend
	snap = settle(t, ch)
	if len(snap.Items) != 20 {
		t.Fatalf("expected 20 held items after trim, got %d", len(snap.Items))
	}
	if snap.ItemsBefore != 30 {
		t.Errorf("expected 30 dropped items, got %d", snap.ItemsBefore)
	}
	if snap.Items[0] != 30 {
		t.Errorf("expected first held item 30, got %d", snap.Items[0])
	}
	if snap.Prepend.EndReached {
		t.Error("expected prepend to be possible after trimming")
	}
}

func TestPager_PrependUnsupported(t *testing.T) {
	src := newSliceSource(100)
	p := newTestPager(t, Config{PageSize: 10, InitialLoadSize: 30, MaxSize: 40}, src)
	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)
	defer close(hints)

	settle(t, ch)
	hints <- HintAppend
	settle(t, ch)
	hints <- HintAppend
	settle(t, ch)

	hints <- HintPrepend
	snap := settle(t, ch)
	if !errors.Is(snap.Prepend.Err, ErrUnsupportedLoad) {
		t.Fatalf("expected ErrUnsupportedLoad, got %v", snap.Prepend.Err)
	}
	if len(snap.Items) != 20 {
		t.Errorf("expected held items to be unchanged, got %d", len(snap.Items))
	}
}

func TestPager_PrependIgnoredAtStart(t *testing.T) {
	src := newSliceSource(100)
	p := newTestPager(t, Config{PageSize: 10, InitialLoadSize: 30}, src)
	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)

	snap := settle(t, ch)
	if !snap.Prepend.EndReached {
		t.Error("expected prepend end at the first page")
	}
	hints <- HintPrepend
	close(hints)
	drain(ch)
	if len(src.calls) != 1 {
		t.Errorf("expected only the refresh load, got %d loads", len(src.calls))
	}
}

func TestPager_RefreshFailureAndRetry(t *testing.T) {
	src := newSliceSource(50)
	src.fail = fmt.Errorf("network down")
	p := newTestPager(t, Config{PageSize: 10, InitialLoadSize: 30}, src)
	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)
	defer close(hints)

	snap := settle(t, ch)
	if snap.Refresh.Err == nil {
		t.Fatal("expected refresh error")
	}
	if len(snap.Items) != 0 {
		t.Errorf("expected no items, got %d", len(snap.Items))
	}

	hints <- HintRetry
	snap = settle(t, ch)
	if snap.Refresh.Err != nil {
		t.Fatalf("unexpected error after retry: %v", snap.Refresh.Err)
	}
	if len(snap.Items) != 30 {
		t.Errorf("expected 30 items, got %d", len(snap.Items))
	}
}

func TestPager_AppendFailureNeedsRetry(t *testing.T) {
	src := newSliceSource(50)
	p := newTestPager(t, Config{PageSize: 10, InitialLoadSize: 30}, src)
	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)
	defer close(hints)

	settle(t, ch)
	src.fail = fmt.Errorf("timeout")
	hints <- HintAppend
	snap := settle(t, ch)
	if snap.Append.Err == nil {
		t.Fatal("expected append error")
	}
	if len(snap.Items) != 30 {
		t.Errorf("expected loaded items to survive the failure, got %d", len(snap.Items))
	}

	hints <- HintRetry
	snap = settle(t, ch)
	if snap.Append.Err != nil {
		t.Fatalf("unexpected error after retry: %v", snap.Append.Err)
	}
	if len(snap.Items) != 40 {
		t.Errorf("expected 40 items, got %d", len(snap.Items))
	}
	if *src.calls[2].Key != 30 {
		t.Errorf("expected retry at key 30, got %d", *src.calls[2].Key)
	}
}

func TestPager_RefreshHintUsesNewSource(t *testing.T) {
	created := 0
	src := newSliceSource(100)
	p, err := NewPager(Config{PageSize: 10, InitialLoadSize: 30}, func() Source[int, int] {
		created++
		return src
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 0 {
		t.Fatal("expected no source before Run")
	}

	hints := make(chan Hint)
	ch := p.Run(context.Background(), hints)
	defer close(hints)

	settle(t, ch)
	hints <- HintAppend
	settle(t, ch)
	hints <- HintRefresh
	snap := settle(t, ch)

	if len(snap.Items) != 30 {
		t.Errorf("expected 30 items after refresh, got %d", len(snap.Items))
	}
	if created != 2 {
		t.Errorf("expected 2 sources, got %d", created)
	}
	if last := src.calls[len(src.calls)-1]; last.Type != Refresh || last.Key != nil {
		t.Errorf("expected refresh from the start, got %+v", last)
	}
}

func TestPager_CancelClosesStream(t *testing.T) {
	src := newSliceSource(100)
	p := newTestPager(t, Config{PageSize: 10}, src)
	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Run(ctx, make(chan Hint))

	settle(t, ch)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected no snapshot after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestMap(t *testing.T) {
	src := newSliceSource(5)
	p := newTestPager(t, Config{PageSize: 10}, src)
	flow := Map[int, string](p, func(v int) string { return fmt.Sprintf("item-%d", v) })

	hints := make(chan Hint)
	ch := flow.Run(context.Background(), hints)
	snap := settle(t, ch)
	close(hints)
	drain(ch)

	if len(snap.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(snap.Items))
	}
	if snap.Items[4] != "item-4" {
		t.Errorf("expected item-4, got %q", snap.Items[4])
	}
	if !snap.Append.EndReached {
		t.Error("expected load states to be carried over")
	}
}

// -- Config Tests --

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{PageSize: 25, InitialLoadSize: 50, MaxSize: 100}, false},
		{"unbounded", Config{PageSize: 25}, false},
		{"zero page size", Config{PageSize: 0}, true},
		{"negative max", Config{PageSize: 10, MaxSize: -1}, true},
		{"max too small", Config{PageSize: 25, MaxSize: 30}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewPager_DefaultInitialLoadSize(t *testing.T) {
	p := newTestPager(t, Config{PageSize: 20}, newSliceSource(0))
	if got := p.Config().InitialLoadSize; got != 60 {
		t.Errorf("expected initial load size 60, got %d", got)
	}
}

func TestNewPager_RejectsInvalidConfig(t *testing.T) {
	_, err := NewPager(Config{}, func() Source[int, int] { return newSliceSource(0) })
	if err == nil {
		t.Fatal("expected error for zero page size")
	}
}

func TestLoadType_String(t *testing.T) {
	if Prepend.String() != "prepend" {
		t.Errorf("expected prepend, got %q", Prepend.String())
	}
	if got := LoadType(9).String(); got != "LoadType(9)" {
		t.Errorf("unexpected string %q", got)
	}
}

func TestUnsupportedLoad_WrapsSentinel(t *testing.T) {
	err := UnsupportedLoad(Prepend)
	if !errors.Is(err, ErrUnsupportedLoad) {
		t.Errorf("expected ErrUnsupportedLoad, got %v", err)
	}
}
