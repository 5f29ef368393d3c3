package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jo-hoe/imagetrends/internal/backend/database"
	"github.com/jo-hoe/imagetrends/internal/backend/moderation"
	"github.com/jo-hoe/imagetrends/internal/common/tracing"
)

type fakeStore struct {
	images    map[string]*database.Image
	tags      []database.Tag // every attempted insert
	saves     []database.Image
	findErr   error
	insertErr error
	saveErr   error
}

func newFakeStore(images ...*database.Image) *fakeStore {
	store := &fakeStore{images: make(map[string]*database.Image)}
	for _, image := range images {
		store.images[image.ID] = image
	}
	return store
}

func (s *fakeStore) FindImage(_ context.Context, id string) (*database.Image, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	image, ok := s.images[id]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", id, database.ErrNotFound)
	}
	loaded := *image
	return &loaded, nil
}

func (s *fakeStore) InsertTag(_ context.Context, tag *database.Tag) (*database.Tag, error) {
	s.tags = append(s.tags, *tag)
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if _, ok := s.images[tag.ImageID]; !ok {
		return nil, errors.New("FOREIGN KEY constraint failed")
	}
	created := *tag
	created.ID = fmt.Sprintf("tag-%d", len(s.tags))
	return &created, nil
}

func (s *fakeStore) SaveImage(_ context.Context, image *database.Image) error {
	s.saves = append(s.saves, *image)
	if s.saveErr != nil {
		return s.saveErr
	}
	stored := *image
	s.images[image.ID] = &stored
	return nil
}

type fakeStorage struct {
	data map[string][]byte
	err  error
}

func (s *fakeStorage) Download(_ context.Context, key string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("blob %s missing", key)
	}
	return data, nil
}

type fakeDetector struct {
	labels        []moderation.Label
	err           error
	payload       []byte
	minConfidence float64
}

func (d *fakeDetector) DetectModerationLabels(_ context.Context, image []byte, minConfidence float64) ([]moderation.Label, error) {
	d.payload = image
	d.minConfidence = minConfidence
	return d.labels, d.err
}

// captureHandler records every log record for assertions.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) count(level slog.Level, message string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, record := range h.records {
		if record.Level == level && (message == "" || record.Message == message) {
			n++
		}
	}
	return n
}

type harness struct {
	handler     *ModerationLabelHandler
	store       *fakeStore
	storage     *fakeStorage
	detector    *fakeDetector
	logs        *captureHandler
	spans       *tracetest.SpanRecorder
	diagnostics *bytes.Buffer
}

func testImage() *database.Image {
	return &database.Image{
		ID:         "img-1",
		UserID:     "user-1",
		StorageKey: "img-1",
		Approved:   true,
		User:       &database.User{ID: "user-1", Username: "sneakerhead"},
	}
}

func newHarness(t *testing.T, labels ...moderation.Label) *harness {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := &harness{
		store:       newFakeStore(testImage()),
		storage:     &fakeStorage{data: map[string][]byte{"img-1": []byte("jpeg")}},
		detector:    &fakeDetector{labels: labels},
		logs:        &captureHandler{},
		spans:       spans,
		diagnostics: &bytes.Buffer{},
	}
	h.handler = NewModerationLabelHandler(Dependencies{
		Store:       h.store,
		Storage:     h.storage,
		Detector:    h.detector,
		Recorder:    tracing.NewRecorder(provider.Tracer("test")),
		Logger:      slog.New(h.logs),
		Diagnostics: h.diagnostics,
	})
	return h
}

func (h *harness) approved() bool {
	return h.store.images["img-1"].Approved
}

func TestHandle_NoLabels(t *testing.T) {
	h := newHarness(t)

	h.handler.Handle(context.Background(), "img-1")

	if len(h.store.tags) != 0 {
		t.Errorf("expected no tags, got %d", len(h.store.tags))
	}
	if got := h.logs.count(slog.LevelInfo, "no moderation labels detected"); got != 1 {
		t.Errorf("expected one 'no labels' info line, got %d", got)
	}
	if got := h.logs.count(slog.LevelInfo, "moderation label detected"); got != 0 {
		t.Errorf("expected no label lines, got %d", got)
	}
	if !h.approved() {
		t.Errorf("approval must be unchanged")
	}
	if h.detector.minConfidence != MinConfidence {
		t.Errorf("expected min confidence %v, got %v", MinConfidence, h.detector.minConfidence)
	}
	if string(h.detector.payload) != "jpeg" {
		t.Errorf("expected downloaded payload to be sent, got %q", h.detector.payload)
	}
}

func TestHandle_SuggestiveAndViolence(t *testing.T) {
	h := newHarness(t,
		moderation.Label{Name: "Suggestive", Confidence: 95},
		moderation.Label{Name: "Violence", Confidence: 50},
	)

	h.handler.Handle(context.Background(), "img-1")

	if len(h.store.tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(h.store.tags))
	}
	expected := []struct {
		name       string
		confidence float64
	}{{"Suggestive", 95}, {"Violence", 50}}
	for i, want := range expected {
		tag := h.store.tags[i]
		if tag.Name != want.name || tag.Confidence == nil || *tag.Confidence != want.confidence {
			t.Errorf("tag[%d]: expected %s/%v, got %+v", i, want.name, want.confidence, tag)
		}
		if tag.Source != ModerationSource {
			t.Errorf("tag[%d]: expected source %q, got %q", i, ModerationSource, tag.Source)
		}
		if tag.ImageID != "img-1" {
			t.Errorf("tag[%d]: expected image img-1, got %q", i, tag.ImageID)
		}
	}

	if h.approved() {
		t.Errorf("expected image to be unapproved")
	}
	if len(h.store.saves) != 1 {
		t.Errorf("expected exactly one save, got %d", len(h.store.saves))
	}
	if got := h.logs.count(slog.LevelInfo, "moderation label detected"); got != 2 {
		t.Errorf("expected 2 label info lines, got %d", got)
	}
	if got := h.logs.count(slog.LevelWarn, ""); got != 1 {
		t.Errorf("expected 1 warn line, got %d", got)
	}
	if got := h.logs.count(slog.LevelError, ""); got != 0 {
		t.Errorf("expected no error lines, got %d", got)
	}
}

func TestHandle_ApprovalPolicy(t *testing.T) {
	tests := []struct {
		name          string
		labels        []moderation.Label
		expectApprove bool
		expectSaves   int
	}{
		{
			name:          "suggestive above threshold",
			labels:        []moderation.Label{{Name: "Suggestive", Confidence: 80.01}},
			expectApprove: false,
			expectSaves:   1,
		},
		{
			name:          "suggestive exactly at threshold",
			labels:        []moderation.Label{{Name: "Suggestive", Confidence: 80}},
			expectApprove: true,
		},
		{
			name:          "lowercase suggestive",
			labels:        []moderation.Label{{Name: "suggestive", Confidence: 99}},
			expectApprove: true,
		},
		{
			name:          "other label above threshold",
			labels:        []moderation.Label{{Name: "Explicit Nudity", Confidence: 99}},
			expectApprove: true,
		},
		{
			name: "two qualifying labels save twice",
			labels: []moderation.Label{
				{Name: "Suggestive", Confidence: 90},
				{Name: "Suggestive", Confidence: 85},
			},
			expectApprove: false,
			expectSaves:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.labels...)
			h.handler.Handle(context.Background(), "img-1")

			if h.approved() != tt.expectApprove {
				t.Errorf("expected approved=%v, got %v", tt.expectApprove, h.approved())
			}
			if len(h.store.saves) != tt.expectSaves {
				t.Errorf("expected %d saves, got %d", tt.expectSaves, len(h.store.saves))
			}
			for _, saved := range h.store.saves {
				if saved.Approved {
					t.Errorf("handler must never save an approved image")
				}
			}
			if len(h.store.tags) != len(tt.labels) {
				t.Errorf("expected %d tags, got %d", len(tt.labels), len(h.store.tags))
			}
		})
	}
}

func TestHandle_NeverReapproves(t *testing.T) {
	h := newHarness(t, moderation.Label{Name: "Violence", Confidence: 10})
	h.store.images["img-1"].Approved = false

	h.handler.Handle(context.Background(), "img-1")

	if h.approved() {
		t.Errorf("handler must not flip approval back to true")
	}
	if len(h.store.saves) != 0 {
		t.Errorf("expected no saves, got %d", len(h.store.saves))
	}
}

func TestHandle_TracingSegments(t *testing.T) {
	h := newHarness(t, moderation.Label{Name: "Violence", Confidence: 76})

	h.handler.Handle(context.Background(), "img-1")

	ended := h.spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	sub, root := ended[0], ended[1]
	if root.Name() != DefaultSegmentName || sub.Name() != SubsegmentName {
		t.Fatalf("unexpected span names %q/%q", root.Name(), sub.Name())
	}
	if sub.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Errorf("subsegment must be nested in the segment")
	}

	attrs := map[attribute.Key]string{}
	for _, attr := range sub.Attributes() {
		attrs[attr.Key] = attr.Value.Emit()
	}
	if attrs["image_id"] != "img-1" || attrs["user_name"] != "sneakerhead" || attrs["user_id"] != "user-1" {
		t.Errorf("unexpected annotations: %v", attrs)
	}
}

func TestHandle_Failures(t *testing.T) {
	tests := []struct {
		name         string
		imageID      string
		setup        func(h *harness)
		expectKind   ErrorKind
		expectOwner  string
		expectSpans  int
		expectStatus codes.Code
	}{
		{
			name:        "image not found",
			imageID:     "missing",
			setup:       func(*harness) {},
			expectKind:  KindNotFound,
			expectOwner: "",
			expectSpans: 0,
		},
		{
			name:    "store unavailable",
			imageID: "img-1",
			setup: func(h *harness) {
				h.store.findErr = errors.New("database is locked")
			},
			expectKind:  KindPersistenceError,
			expectOwner: "",
			expectSpans: 0,
		},
		{
			name:    "download failed",
			imageID: "img-1",
			setup: func(h *harness) {
				h.storage.err = errors.New("connection reset")
			},
			expectKind:   KindDownloadFailed,
			expectOwner:  "img-1",
			expectSpans:  2,
			expectStatus: codes.Error,
		},
		{
			name:    "service error",
			imageID: "img-1",
			setup: func(h *harness) {
				h.detector.err = errors.New("AccessDeniedException")
			},
			expectKind:   KindServiceError,
			expectOwner:  "img-1",
			expectSpans:  2,
			expectStatus: codes.Error,
		},
		{
			name:    "save failed",
			imageID: "img-1",
			setup: func(h *harness) {
				h.detector.labels = []moderation.Label{{Name: "Suggestive", Confidence: 99}}
				h.store.saveErr = errors.New("disk full")
			},
			expectKind:   KindPersistenceError,
			expectOwner:  "img-1",
			expectSpans:  2,
			expectStatus: codes.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			h.handler.Handle(context.Background(), tt.imageID)

			var sentinels []database.Tag
			for _, tag := range h.store.tags {
				if tag.Name == ErrorTagName {
					sentinels = append(sentinels, tag)
				}
			}
			if len(sentinels) != 1 {
				t.Fatalf("expected exactly one error tag attempt, got %d", len(sentinels))
			}
			if sentinels[0].ImageID != tt.expectOwner {
				t.Errorf("expected error tag owner %q, got %q", tt.expectOwner, sentinels[0].ImageID)
			}
			if sentinels[0].Confidence != nil || sentinels[0].Source != ModerationSource {
				t.Errorf("unexpected error tag: %+v", sentinels[0])
			}

			if got := h.logs.count(slog.LevelError, "error detecting moderation labels"); got != 1 {
				t.Errorf("expected one error line, got %d", got)
			}
			if !strings.Contains(h.diagnostics.String(), tt.imageID) {
				t.Errorf("expected diagnostics to mention %q, got %q", tt.imageID, h.diagnostics.String())
			}
			if !strings.Contains(h.diagnostics.String(), tt.expectKind.String()) {
				t.Errorf("expected diagnostics to mention kind %s, got %q", tt.expectKind, h.diagnostics.String())
			}

			ended := h.spans.Ended()
			if len(ended) != tt.expectSpans {
				t.Fatalf("expected %d ended spans, got %d", tt.expectSpans, len(ended))
			}
			if tt.expectSpans > 0 && ended[0].Status().Code != tt.expectStatus {
				t.Errorf("expected subsegment status %v, got %v", tt.expectStatus, ended[0].Status().Code)
			}
		})
	}
}

func TestHandle_ErrorTagFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	h.storage.err = errors.New("timeout")
	h.store.insertErr = errors.New("read-only database")

	h.handler.Handle(context.Background(), "img-1")

	if len(h.store.tags) != 1 {
		t.Errorf("expected one attempted tag, got %d", len(h.store.tags))
	}
	if got := h.logs.count(slog.LevelError, ""); got != 1 {
		t.Errorf("expected exactly one error line, got %d", got)
	}
}

func TestHandle_CancelledContextStillRecordsErrorTag(t *testing.T) {
	h := newHarness(t)
	h.detector.err = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.handler.Handle(ctx, "img-1")

	if len(h.store.tags) != 1 || h.store.tags[0].Name != ErrorTagName {
		t.Fatalf("expected error tag, got %+v", h.store.tags)
	}
}

func TestModerationError(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", newModerationError(KindDownloadFailed, "img-9", cause))

	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be reachable")
	}
	if !errors.Is(err, &ModerationError{Kind: KindDownloadFailed}) {
		t.Errorf("expected kind match")
	}
	if errors.Is(err, &ModerationError{Kind: KindServiceError}) {
		t.Errorf("unexpected kind match")
	}
	var moderationErr *ModerationError
	if !errors.As(err, &moderationErr) || moderationErr.ImageID != "img-9" {
		t.Errorf("expected errors.As to find the image id")
	}
	if !strings.Contains(err.Error(), "download_failed") {
		t.Errorf("expected kind in message, got %q", err.Error())
	}
}
