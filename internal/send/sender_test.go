package send

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tanoasia/feedrelay/internal/store"
	"github.com/tanoasia/feedrelay/internal/transport"
)

type sentCall struct {
	destination int64
	forward     bool
	segments    []transport.Segment
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []sentCall
	// failMessages makes SendMessage fail for segments of this type.
	failType string
}

func (f *fakeTransport) SendMessage(_ context.Context, destinationID int64, segments []transport.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failType != "" {
		for _, seg := range segments {
			if seg.Type == f.failType {
				return errors.New("transport rejected segment")
			}
		}
	}
	f.calls = append(f.calls, sentCall{destination: destinationID, segments: segments})
	return nil
}

func (f *fakeTransport) SendForward(_ context.Context, destinationID int64, nodes []transport.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{destination: destinationID, forward: true, segments: nodes})
	return nil
}

func (f *fakeTransport) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func segmentText(seg transport.Segment) string {
	s, _ := seg.Data["text"].(string)
	return s
}

func newTestSender(tr transport.Transport) *Sender {
	return NewSender(tr, Options{
		MessageEvery: time.Nanosecond,
		BotID:        42,
		BotName:      "relay",
		ModelName:    "gpt-4o-mini",
	})
}

func testContent() *store.Content {
	return &store.Content{
		Fingerprint:    "fp-1",
		AuthorID:       "alice",
		AuthorName:     "Alice",
		PublishedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Permalink:      "https://example.com/1",
		BodyText:       "hello world",
		TranslatedText: "你好世界",
	}
}

func TestImageClientCapsConnections(t *testing.T) {
	s := newTestSender(&fakeTransport{})
	ht := s.client.Transport.(*http.Transport)
	if ht.MaxConnsPerHost != maxImageConns {
		t.Errorf("MaxConnsPerHost = %d, want %d", ht.MaxConnsPerHost, maxImageConns)
	}
	if ht.MaxIdleConnsPerHost != maxImageConns {
		t.Errorf("MaxIdleConnsPerHost = %d, want %d", ht.MaxIdleConnsPerHost, maxImageConns)
	}
}

func TestDeliverPlainOrder(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSender(ft)
	c := testContent()

	err := s.Deliver(context.Background(), 100, store.DestinationConfig{AnnounceImageCount: true}, c, true)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	calls := ft.sent()
	if len(calls) != 2 {
		t.Fatalf("got %d messages, want body + translation", len(calls))
	}
	if !strings.Contains(segmentText(calls[0].segments[0]), "hello world") {
		t.Errorf("first message should carry the body: %q", segmentText(calls[0].segments[0]))
	}
	if !strings.Contains(segmentText(calls[0].segments[0]), "Alice") {
		t.Errorf("body should name the author: %q", segmentText(calls[0].segments[0]))
	}
	if !strings.Contains(segmentText(calls[1].segments[0]), "你好世界") {
		t.Errorf("second message should carry the translation: %q", segmentText(calls[1].segments[0]))
	}
	if !strings.Contains(segmentText(calls[1].segments[0]), "gpt-4o-mini") {
		t.Errorf("translation should credit the model: %q", segmentText(calls[1].segments[0]))
	}
}

func TestDeliverPlainWithoutTranslation(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSender(ft)

	err := s.Deliver(context.Background(), 100, store.DestinationConfig{}, testContent(), false)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls := ft.sent(); len(calls) != 1 {
		t.Fatalf("got %d messages, want body only", len(calls))
	}
}

func TestDeliverSkipsEmptyTranslation(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSender(ft)
	c := testContent()
	c.TranslatedText = ""

	// showTranslation is set, but there is no translation to show.
	err := s.Deliver(context.Background(), 100, store.DestinationConfig{}, c, true)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	calls := ft.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d messages, want body only", len(calls))
	}
	if strings.Contains(segmentText(calls[0].segments[0]), "翻译") {
		t.Errorf("body must not carry a translation credit: %q", segmentText(calls[0].segments[0]))
	}

	ft = &fakeTransport{}
	s = newTestSender(ft)
	cfg := store.DestinationConfig{MergedMessage: true}
	if err := s.Deliver(context.Background(), 100, cfg, c, true); err != nil {
		t.Fatalf("merged deliver: %v", err)
	}
	calls = ft.sent()
	if len(calls) != 1 || !calls[0].forward {
		t.Fatalf("merged mode should produce one forward call: %+v", calls)
	}
	if len(calls[0].segments) != 1 {
		t.Fatalf("got %d forward nodes, want the body node only", len(calls[0].segments))
	}
}

func TestDeliverPlainImages(t *testing.T) {
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "fakejpegbytes")
	}))
	defer img.Close()

	ft := &fakeTransport{}
	s := newTestSender(ft)
	c := testContent()
	c.ImageURLs = []string{img.URL + "/a.jpg", img.URL + "/b.jpg"}

	err := s.Deliver(context.Background(), 100, store.DestinationConfig{AnnounceImageCount: true}, c, false)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	calls := ft.sent()
	// body, count announcement, two images
	if len(calls) != 4 {
		t.Fatalf("got %d messages, want 4", len(calls))
	}
	if !strings.Contains(segmentText(calls[1].segments[0]), "2") {
		t.Errorf("count announcement should mention 2 images: %q", segmentText(calls[1].segments[0]))
	}
	for i := 2; i < 4; i++ {
		if calls[i].segments[0].Type != "image" {
			t.Errorf("call %d should be an image, got %q", i, calls[i].segments[0].Type)
		}
	}
}

func TestDeliverPlainSkipsCountAnnouncement(t *testing.T) {
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "bytes")
	}))
	defer img.Close()

	ft := &fakeTransport{}
	s := newTestSender(ft)
	c := testContent()
	c.ImageURLs = []string{img.URL + "/a.jpg"}

	err := s.Deliver(context.Background(), 100, store.DestinationConfig{AnnounceImageCount: false}, c, false)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls := ft.sent(); len(calls) != 2 {
		t.Fatalf("got %d messages, want body + image", len(calls))
	}
}

func TestSendImageRetriesThenNotifies(t *testing.T) {
	oldSleep := sleepFunc
	var waits []time.Duration
	sleepFunc = func(d time.Duration) { waits = append(waits, d) }
	defer func() { sleepFunc = oldSleep }()

	var attempts int
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer img.Close()

	ft := &fakeTransport{}
	s := newTestSender(ft)
	c := testContent()
	c.ImageURLs = []string{img.URL + "/a.jpg"}

	err := s.Deliver(context.Background(), 100, store.DestinationConfig{}, c, false)
	if err != nil {
		t.Fatalf("image failure must not fail the delivery: %v", err)
	}

	if attempts != imageRetryLimit {
		t.Errorf("got %d download attempts, want %d", attempts, imageRetryLimit)
	}
	if len(waits) != imageRetryLimit-1 {
		t.Fatalf("got %d backoff sleeps, want %d", len(waits), imageRetryLimit-1)
	}
	if waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Errorf("backoff should grow linearly: %v", waits)
	}

	calls := ft.sent()
	// body, then the failure notice
	if len(calls) != 2 {
		t.Fatalf("got %d messages, want body + failure notice", len(calls))
	}
	if !strings.Contains(segmentText(calls[1].segments[0]), "失败") {
		t.Errorf("expected failure notice, got %q", segmentText(calls[1].segments[0]))
	}
}

func TestImageFailureDoesNotBlockRemaining(t *testing.T) {
	oldSleep := sleepFunc
	sleepFunc = func(time.Duration) {}
	defer func() { sleepFunc = oldSleep }()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "bytes")
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	ft := &fakeTransport{}
	s := newTestSender(ft)
	c := testContent()
	c.ImageURLs = []string{bad.URL + "/broken.jpg", good.URL + "/fine.jpg"}

	if err := s.Deliver(context.Background(), 100, store.DestinationConfig{}, c, false); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	calls := ft.sent()
	// body, failure notice for the broken image, then the good image
	if len(calls) != 3 {
		t.Fatalf("got %d messages, want 3", len(calls))
	}
	if calls[2].segments[0].Type != "image" {
		t.Errorf("good image should still be delivered, got %q", calls[2].segments[0].Type)
	}
}

func TestDeliverMerged(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSender(ft)
	c := testContent()
	c.ImageURLs = []string{"https://img.example.com/a.jpg"}

	cfg := store.DestinationConfig{MergedMessage: true}
	if err := s.Deliver(context.Background(), 100, cfg, c, true); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	calls := ft.sent()
	if len(calls) != 1 || !calls[0].forward {
		t.Fatalf("merged mode should produce exactly one forward call: %+v", calls)
	}
	// body node, translation node, image node
	if len(calls[0].segments) != 3 {
		t.Fatalf("got %d forward nodes, want 3", len(calls[0].segments))
	}
	for _, node := range calls[0].segments {
		if node.Type != "node" {
			t.Errorf("forward entries must be nodes, got %q", node.Type)
		}
	}
}

type fakeRenderer struct {
	img []byte
	err error
}

func (f *fakeRenderer) Render(*store.Content) ([]byte, error) {
	return f.img, f.err
}

func TestDeliverCardMode(t *testing.T) {
	ft := &fakeTransport{}
	s := NewSender(ft, Options{
		MessageEvery: time.Nanosecond,
		Renderer:     &fakeRenderer{img: []byte("png-bytes")},
	})

	cfg := store.DestinationConfig{CardMode: true}
	if err := s.Deliver(context.Background(), 100, cfg, testContent(), true); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	calls := ft.sent()
	if len(calls) != 1 {
		t.Fatalf("card mode should send one message, got %d", len(calls))
	}
	if calls[0].segments[0].Type != "image" {
		t.Errorf("card should be an image segment, got %q", calls[0].segments[0].Type)
	}
}

func TestCardModeFallsBackToPlain(t *testing.T) {
	ft := &fakeTransport{}
	s := NewSender(ft, Options{
		MessageEvery: time.Nanosecond,
		Renderer:     &fakeRenderer{err: errors.New("headless browser crashed")},
	})

	cfg := store.DestinationConfig{CardMode: true}
	if err := s.Deliver(context.Background(), 100, cfg, testContent(), false); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	calls := ft.sent()
	if len(calls) != 1 || calls[0].segments[0].Type != "text" {
		t.Fatalf("render failure should fall back to plain text: %+v", calls)
	}
}

func TestCardModeWithoutRendererFallsBack(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSender(ft)

	cfg := store.DestinationConfig{CardMode: true}
	if err := s.Deliver(context.Background(), 100, cfg, testContent(), false); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls := ft.sent(); len(calls) != 1 || calls[0].segments[0].Type != "text" {
		t.Fatalf("missing renderer should fall back to plain text: %+v", calls)
	}
}
