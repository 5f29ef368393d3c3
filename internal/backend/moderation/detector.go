package moderation

import "context"

// Label is one moderation classification returned by the vision service.
type Label struct {
	Name       string
	Confidence float64
	ParentName string // empty for top-level categories
}

type Detector interface {
	// DetectModerationLabels returns every label at or above minConfidence,
	// in the order reported by the service.
	DetectModerationLabels(ctx context.Context, image []byte, minConfidence float64) ([]Label, error)
}
