// Package jobs contains the background jobs run for uploaded images.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jo-hoe/imagetrends/internal/backend/database"
	"github.com/jo-hoe/imagetrends/internal/backend/moderation"
	"github.com/jo-hoe/imagetrends/internal/common/tracing"
)

const (
	DefaultSegmentName = "imagetrends"
	SubsegmentName     = "detect_moderation_labels"

	// ModerationSource marks tags created by this job.
	ModerationSource = "Rekognition - Detect Moderation Labels"
	ErrorTagName     = "Error"

	MinConfidence = 75.0

	// An image is unpublished when this label is reported above the threshold.
	SuggestiveLabel     = "Suggestive"
	SuggestiveThreshold = 80.0
)

type RecordStore interface {
	FindImage(ctx context.Context, id string) (*database.Image, error)
	InsertTag(ctx context.Context, tag *database.Tag) (*database.Tag, error)
	SaveImage(ctx context.Context, image *database.Image) error
}

type BlobStorage interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

type Dependencies struct {
	Store    RecordStore
	Storage  BlobStorage
	Detector moderation.Detector
	Recorder *tracing.Recorder
	// Logger is the application sink; defaults to slog.Default().
	Logger      *slog.Logger
	SegmentName string
	// Diagnostics receives a plain-text copy of every failure; defaults to os.Stderr.
	Diagnostics io.Writer
}

// ModerationLabelHandler tags an uploaded image with moderation labels and
// unpublishes it when suggestive content is detected.
type ModerationLabelHandler struct {
	store       RecordStore
	storage     BlobStorage
	detector    moderation.Detector
	recorder    *tracing.Recorder
	logger      *slog.Logger
	segmentName string
	diagnostics io.Writer
}

func NewModerationLabelHandler(deps Dependencies) *ModerationLabelHandler {
	handler := &ModerationLabelHandler{
		store:       deps.Store,
		storage:     deps.Storage,
		detector:    deps.Detector,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		segmentName: deps.SegmentName,
		diagnostics: deps.Diagnostics,
	}
	if handler.logger == nil {
		handler.logger = slog.Default()
	}
	if handler.segmentName == "" {
		handler.segmentName = DefaultSegmentName
	}
	if handler.diagnostics == nil {
		handler.diagnostics = os.Stderr
	}
	return handler
}

// Handle runs the job for one image. Failures are logged and recorded as an
// error tag; they are never returned, so the job is not retried.
func (h *ModerationLabelHandler) Handle(ctx context.Context, imageID string) {
	h.logger.Info("attempting to detect moderation labels", "image_id", imageID)

	image, err := h.detect(ctx, imageID)
	if err != nil {
		h.recordFailure(ctx, imageID, image, err)
	}
}

// detect returns the image loaded so far along with any error.
func (h *ModerationLabelHandler) detect(ctx context.Context, imageID string) (*database.Image, error) {
	image, err := h.store.FindImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, newModerationError(KindNotFound, imageID, err)
		}
		return nil, newModerationError(KindPersistenceError, imageID, err)
	}

	ctx, segment := h.recorder.BeginSegment(ctx, h.segmentName)
	defer segment.End()

	err = h.recorder.Capture(ctx, SubsegmentName, func(ctx context.Context, subsegment *tracing.Subsegment) error {
		subsegment.Annotate(annotations(image))

		payload, err := h.storage.Download(ctx, image.StorageKey)
		if err != nil {
			return newModerationError(KindDownloadFailed, imageID, err)
		}

		labels, err := h.detector.DetectModerationLabels(ctx, payload, MinConfidence)
		if err != nil {
			return newModerationError(KindServiceError, imageID, err)
		}

		if len(labels) == 0 {
			h.logger.Info("no moderation labels detected", "image_id", imageID)
		}
		for _, label := range labels {
			if err := h.applyLabel(ctx, image, label); err != nil {
				return err
			}
		}
		return nil
	})
	return image, err
}

func (h *ModerationLabelHandler) applyLabel(ctx context.Context, image *database.Image, label moderation.Label) error {
	confidence := label.Confidence
	tag, err := h.store.InsertTag(ctx, &database.Tag{
		ImageID:    image.ID,
		Name:       label.Name,
		Confidence: &confidence,
		Source:     ModerationSource,
	})
	if err != nil {
		return newModerationError(KindPersistenceError, image.ID, err)
	}

	if label.Name == SuggestiveLabel && label.Confidence > SuggestiveThreshold {
		image.Approved = false
		if err := h.store.SaveImage(ctx, image); err != nil {
			return newModerationError(KindPersistenceError, image.ID, err)
		}
		h.logger.Warn("inappropriate content detected, unapproving image",
			"image_id", image.ID,
			"label", tag.Name)
	}

	h.logger.Info("moderation label detected",
		"image_id", image.ID,
		"name", tag.Name,
		"confidence", confidence)
	return nil
}

// recordFailure attempts one error tag for the image loaded so far. When the
// image could not be loaded the tag has no owner and the insert fails; that
// secondary failure is only logged at debug level.
func (h *ModerationLabelHandler) recordFailure(ctx context.Context, imageID string, image *database.Image, err error) {
	_, _ = fmt.Fprintf(h.diagnostics, "[ERROR] detect moderation labels for image %s: %v\n", imageID, err)

	tag := &database.Tag{
		Name:   ErrorTagName,
		Source: ModerationSource,
	}
	if image != nil {
		tag.ImageID = image.ID
	}
	if _, tagErr := h.store.InsertTag(context.WithoutCancel(ctx), tag); tagErr != nil {
		h.logger.Debug("failed to persist error tag", "image_id", imageID, "error", tagErr)
	}

	kind := "unknown"
	var moderationErr *ModerationError
	if errors.As(err, &moderationErr) {
		kind = moderationErr.Kind.String()
	}
	h.logger.Error("error detecting moderation labels",
		"image_id", imageID,
		"error_kind", kind,
		"error", err)
}

func annotations(image *database.Image) map[string]any {
	values := map[string]any{
		"image_id": image.ID,
		"user_id":  image.UserID,
	}
	if image.User != nil {
		values["user_name"] = image.User.Username
		values["user_id"] = image.User.ID
	}
	return values
}
