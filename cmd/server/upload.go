package main

import (
	"fmt"
	"log"

	"geocoins.world/internal/config"
	"geocoins.world/internal/persistence/upload"
)

// uploadRuntime wires the S3 upload queue into the server when an endpoint
// is configured, and collapses to no-ops when it is not.
type uploadRuntime struct {
	enabled      bool
	rotateLayout string
	queue        *upload.Queue
}

func buildUploadRuntime(cfg config.Config, logger *log.Logger) (*uploadRuntime, error) {
	if cfg.Upload.Endpoint == "" {
		return &uploadRuntime{}, nil
	}
	client, err := upload.NewClient(cfg.Upload.Endpoint, cfg.Upload.Bucket, cfg.Upload.AccessKeyID, cfg.Upload.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("upload client: %w", err)
	}
	queue := upload.NewQueue(client, cfg.DataDir, cfg.Upload.Prefix, upload.QueueOptions{Logger: logger})
	logger.Printf("uploads enabled endpoint=%s bucket=%s prefix=%s", cfg.Upload.Endpoint, cfg.Upload.Bucket, cfg.Upload.Prefix)
	return &uploadRuntime{
		enabled: true,
		// 1-minute log segments to lower RPO.
		rotateLayout: "2006-01-02-15-04",
		queue:        queue,
	}, nil
}

func (u *uploadRuntime) Enqueue(path string) {
	if u == nil || !u.enabled {
		return
	}
	u.queue.Enqueue(path)
}

func (u *uploadRuntime) Stats() upload.Stats {
	if u == nil || !u.enabled {
		return upload.Stats{}
	}
	return u.queue.Stats()
}

func (u *uploadRuntime) Close() {
	if u == nil || !u.enabled {
		return
	}
	u.queue.Close()
}
