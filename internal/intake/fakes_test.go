package intake

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/dayuer/stickerbot/internal/bus"
	"github.com/dayuer/stickerbot/internal/compose"
)

type fakeSource struct {
	mu        sync.Mutex
	unread    []string
	unreadErr error
	events    map[string]bus.IncomingEvent
	openErr   map[string]error
	latestErr map[string]error
	opened    []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:    make(map[string]bus.IncomingEvent),
		openErr:   make(map[string]error),
		latestErr: make(map[string]error),
	}
}

// push makes ev the latest message of its correspondent and marks it unread.
func (s *fakeSource) push(ev bus.IncomingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Correspondent] = ev
	for _, n := range s.unread {
		if n == ev.Correspondent {
			return
		}
	}
	s.unread = append(s.unread, ev.Correspondent)
}

func (s *fakeSource) Unread(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreadErr != nil {
		return nil, s.unreadErr
	}
	return append([]string(nil), s.unread...), nil
}

func (s *fakeSource) Open(_ context.Context, c string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, c)
	return s.openErr[c]
}

func (s *fakeSource) Latest(_ context.Context, c string) (bus.IncomingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.latestErr[c]; err != nil {
		return bus.IncomingEvent{}, err
	}
	ev, ok := s.events[c]
	if !ok {
		return bus.None(c), nil
	}
	return ev, nil
}

type sent struct {
	Correspondent string
	Payload       string
	Data          []byte // file contents at send time, images only
}

type fakeSender struct {
	mu       sync.Mutex
	images   []sent
	texts    []sent
	imageErr map[string]error
	textErr  map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{imageErr: make(map[string]error), textErr: make(map[string]error)}
}

func (s *fakeSender) SendImage(_ context.Context, c, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.imageErr[c]; err != nil {
		return err
	}
	data, _ := os.ReadFile(path)
	s.images = append(s.images, sent{Correspondent: c, Payload: path, Data: data})
	return nil
}

func (s *fakeSender) SendText(_ context.Context, c, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.textErr[c]; err != nil {
		return err
	}
	s.texts = append(s.texts, sent{Correspondent: c, Payload: text})
	return nil
}

func (s *fakeSender) imagesTo(c string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.images {
		if m.Correspondent == c {
			n++
		}
	}
	return n
}

func (s *fakeSender) textsTo(c string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.texts {
		if m.Correspondent == c {
			out = append(out, m.Payload)
		}
	}
	return out
}

var errNetwork = errors.New("connection refused")

type fakeFetcher struct {
	mu    sync.Mutex
	calls []bus.Ref
	errs  map[string]error // by ref string
	data  []byte
}

func (f *fakeFetcher) Fetch(_ context.Context, ref bus.Ref) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	if err := f.errs[ref.String()]; err != nil {
		return nil, err
	}
	return f.data, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCompositor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCompositor) Composite(src []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return append([]byte("edited:"), src...), nil
}

func (c *fakeCompositor) Format() compose.Format { return compose.FormatPNG }

func (c *fakeCompositor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
