// Package queue delivers image ids from the API to moderation workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultName        = "moderation_jobs"
	DefaultWorkers     = 4
	DefaultPollTimeout = 5 * time.Second
)

var ErrEmptyImageID = errors.New("image id must not be empty")

// HandlerFunc processes one job. It has no return value: every delivered
// job is acknowledged once the handler returns.
type HandlerFunc func(ctx context.Context, imageID string)

type Queue interface {
	Enqueue(ctx context.Context, imageID string) error
	// Consume blocks, running handler on a pool of workers, until ctx is
	// cancelled or the broker connection fails. Cancellation stops workers
	// from taking new jobs; jobs in flight finish on an uncancelled context
	// before Consume returns.
	Consume(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type Options struct {
	Name        string
	Workers     int
	PollTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	return o
}

// Job is the message body shared by all queue implementations.
type Job struct {
	ImageID string `json:"image_id"`
}

func encodeJob(imageID string) ([]byte, error) {
	if imageID == "" {
		return nil, ErrEmptyImageID
	}
	return json.Marshal(Job{ImageID: imageID})
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.ImageID == "" {
		return Job{}, ErrEmptyImageID
	}
	return job, nil
}
