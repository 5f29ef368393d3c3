package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jo-hoe/imagetrends/internal/backend/database"
	"github.com/jo-hoe/imagetrends/internal/backend/queue"
	"github.com/jo-hoe/imagetrends/internal/backend/storage"
)

var (
	ErrEmptyImage    = errors.New("image must not be empty")
	ErrEmptyUsername = errors.New("username must not be empty")
)

// CoreService owns the record store, blob storage and job queue shared by
// the API server and the moderation worker.
type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	blobStorage     storage.BlobStorage
	jobQueue        queue.Queue
	logger          *slog.Logger
}

// NewCoreService wires the adapters named in config. logger defaults to slog.Default().
func NewCoreService(config *ServiceConfig, logger *slog.Logger) (*CoreService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	databaseService, err := getDatabaseService(config, logger)
	if err != nil {
		return nil, err
	}

	blobStorage, err := getBlobStorage(config, databaseService, logger)
	if err != nil {
		_ = databaseService.Close()
		return nil, err
	}

	jobQueue, err := queue.NewQueue(config.Queue.Type, config.Queue.URL, config.QueueOptions(), logger)
	if err != nil {
		_ = databaseService.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	logger.Info("queue initialized successfully", "type", config.Queue.Type, "name", config.Queue.Name)

	return &CoreService{
		config:          config,
		databaseService: databaseService,
		blobStorage:     blobStorage,
		jobQueue:        jobQueue,
		logger:          logger,
	}, nil
}

func (service *CoreService) CreateUser(ctx context.Context, username string) (*database.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrEmptyUsername
	}
	return service.databaseService.CreateUser(ctx, username)
}

// AddImage stores a new approved image for userID and schedules its
// moderation job. If the payload cannot be stored or the job cannot be
// scheduled the image is removed again, so no image stays published
// without a moderation job.
func (service *CoreService) AddImage(ctx context.Context, userID string, data []byte, contentType string) (*database.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if _, err := service.databaseService.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	image, err := service.databaseService.CreateImage(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := service.blobStorage.Upload(ctx, image.StorageKey, data, contentType); err != nil {
		return nil, service.discardImage(ctx, image, fmt.Errorf("failed to upload image %s: %w", image.ID, err))
	}
	if err := service.jobQueue.Enqueue(ctx, image.ID); err != nil {
		return nil, service.discardImage(ctx, image, fmt.Errorf("failed to schedule moderation for image %s: %w", image.ID, err))
	}

	service.logger.Info("image added", "image_id", image.ID, "user_id", userID, "content_type", contentType, "bytes", len(data))
	return image, nil
}

// discardImage deletes an image whose upload did not complete and returns cause
// joined with any cleanup failure.
func (service *CoreService) discardImage(ctx context.Context, image *database.Image, cause error) error {
	if err := service.databaseService.DeleteImage(context.WithoutCancel(ctx), image.ID); err != nil {
		service.logger.Error("failed to remove incomplete image", "image_id", image.ID, "error", err)
		return errors.Join(cause, err)
	}
	service.logger.Warn("removed incomplete image", "image_id", image.ID, "error", cause)
	return cause
}

func (service *CoreService) GetImage(ctx context.Context, id string) (*database.Image, error) {
	return service.databaseService.FindImage(ctx, id)
}

func (service *CoreService) GetTags(ctx context.Context, imageID string) ([]*database.Tag, error) {
	if _, err := service.databaseService.FindImage(ctx, imageID); err != nil {
		return nil, err
	}
	return service.databaseService.GetTagsByImageID(ctx, imageID)
}

func (service *CoreService) GetImageData(ctx context.Context, id string) ([]byte, error) {
	image, err := service.databaseService.FindImage(ctx, id)
	if err != nil {
		return nil, err
	}
	return service.blobStorage.Download(ctx, image.StorageKey)
}

func (service *CoreService) Database() database.DatabaseService {
	return service.databaseService
}

func (service *CoreService) BlobStorage() storage.BlobStorage {
	return service.blobStorage
}

func (service *CoreService) Queue() queue.Queue {
	return service.jobQueue
}

func (service *CoreService) Close() error {
	return errors.Join(service.jobQueue.Close(), service.databaseService.Close())
}

func getDatabaseService(config *ServiceConfig, logger *slog.Logger) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}

func getBlobStorage(config *ServiceConfig, databaseService database.DatabaseService, logger *slog.Logger) (storage.BlobStorage, error) {
	blobStorage, err := storage.NewBlobStorage(config.Storage.Type, databaseService, storage.S3Config{
		Bucket:         config.Storage.Bucket,
		Prefix:         config.Storage.Prefix,
		Region:         config.Storage.Region,
		Endpoint:       config.Storage.Endpoint,
		ForcePathStyle: config.Storage.ForcePathStyle,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob storage: %w", err)
	}
	logger.Info("blob storage initialized successfully", "type", config.Storage.Type)
	return blobStorage, nil
}
