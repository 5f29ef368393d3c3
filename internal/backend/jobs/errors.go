package jobs

import "fmt"

// ErrorKind classifies why a moderation job failed.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindDownloadFailed
	KindServiceError
	KindPersistenceError
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDownloadFailed:
		return "download_failed"
	case KindServiceError:
		return "service_error"
	case KindPersistenceError:
		return "persistence_error"
	default:
		return "unknown"
	}
}

// ModerationError is the single error type surfaced inside the handler.
type ModerationError struct {
	Kind    ErrorKind
	ImageID string
	Err     error
}

func (e *ModerationError) Error() string {
	return fmt.Sprintf("%s for image %s: %v", e.Kind, e.ImageID, e.Err)
}

func (e *ModerationError) Unwrap() error {
	return e.Err
}

// Is matches another *ModerationError by kind, so errors.Is(err, &ModerationError{Kind: KindNotFound}) works.
func (e *ModerationError) Is(target error) bool {
	t, ok := target.(*ModerationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.ImageID == "" || t.ImageID == e.ImageID)
}

func newModerationError(kind ErrorKind, imageID string, err error) *ModerationError {
	return &ModerationError{Kind: kind, ImageID: imageID, Err: err}
}
