package moderation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/rekognition"
)

// rekognitionAPI is the subset of the Rekognition client used here.
type rekognitionAPI interface {
	DetectModerationLabelsWithContext(ctx aws.Context, input *rekognition.DetectModerationLabelsInput, opts ...request.Option) (*rekognition.DetectModerationLabelsOutput, error)
}

// ImagePreparer converts a payload into bytes the service accepts.
type ImagePreparer interface {
	Prepare(data []byte) ([]byte, error)
}

type RekognitionConfig struct {
	Region   string
	Endpoint string
}

type RekognitionDetector struct {
	client   rekognitionAPI
	preparer ImagePreparer
	logger   *slog.Logger
}

// NewRekognitionDetector builds a client from the default AWS credential chain.
// preparer may be nil, in which case payloads are sent as-is.
func NewRekognitionDetector(config RekognitionConfig, preparer ImagePreparer, logger *slog.Logger) (*RekognitionDetector, error) {
	awsConfig := &aws.Config{}
	if config.Region != "" {
		awsConfig.Region = aws.String(config.Region)
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return newRekognitionDetector(rekognition.New(sess), preparer, logger), nil
}

func newRekognitionDetector(client rekognitionAPI, preparer ImagePreparer, logger *slog.Logger) *RekognitionDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &RekognitionDetector{
		client:   client,
		preparer: preparer,
		logger:   logger,
	}
}

func (d *RekognitionDetector) DetectModerationLabels(ctx context.Context, image []byte, minConfidence float64) ([]Label, error) {
	payload := image
	if d.preparer != nil {
		prepared, err := d.preparer.Prepare(image)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare image for moderation: %w", err)
		}
		payload = prepared
	}

	output, err := d.client.DetectModerationLabelsWithContext(ctx, &rekognition.DetectModerationLabelsInput{
		Image:         &rekognition.Image{Bytes: payload},
		MinConfidence: aws.Float64(minConfidence),
	})
	if err != nil {
		return nil, fmt.Errorf("rekognition DetectModerationLabels failed: %w", err)
	}

	labels := make([]Label, 0, len(output.ModerationLabels))
	for _, label := range output.ModerationLabels {
		if label == nil {
			continue
		}
		labels = append(labels, Label{
			Name:       aws.StringValue(label.Name),
			Confidence: aws.Float64Value(label.Confidence),
			ParentName: aws.StringValue(label.ParentName),
		})
	}
	d.logger.Debug("rekognition returned moderation labels",
		"label_count", len(labels),
		"model_version", aws.StringValue(output.ModerationModelVersion),
		"payload_size_bytes", len(payload))
	return labels, nil
}
