// Package events provides registry.EventSink implementations.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/tendant/simple-registry/pkg/registry"
)

// Event types emitted by the registry
const (
	TypeProjectCreated    = "io.simpleregistry.project.created"
	TypeVersionRegistered = "io.simpleregistry.version.registered"
)

// DefaultSource is the CloudEvents source attribute
const DefaultSource = "simple-registry"

// ProjectCreatedData is the payload of TypeProjectCreated
type ProjectCreatedData struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// VersionRegisteredData is the payload of TypeVersionRegistered
type VersionRegisteredData struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	OwnerID     string    `json:"owner_id"`
	Version     int       `json:"version"`
	FileName    string    `json:"filename"`
	BlobPath    string    `json:"blob_path"`
	Size        int64     `json:"size"`
	Language    string    `json:"language"`
	Checksum    string    `json:"checksum"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// LogSink writes every event to a slog logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) ProjectCreated(ctx context.Context, project *registry.Project) error {
	s.logger.InfoContext(ctx, "project created",
		"project_id", project.ID, "name", project.Name, "owner_id", project.OwnerID)
	return nil
}

func (s *LogSink) VersionRegistered(ctx context.Context, project *registry.Project, version *registry.Version) error {
	s.logger.InfoContext(ctx, "version registered",
		"project_id", project.ID, "name", project.Name, "version", version.Number,
		"blob_path", version.BlobPath, "size", version.Size)
	return nil
}

// CloudEventSink publishes events to an HTTP CloudEvents receiver
type CloudEventSink struct {
	client cloudevents.Client
	source string
}

// NewCloudEventSink creates a sink that posts to target
func NewCloudEventSink(target string) (*CloudEventSink, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	return NewCloudEventSinkWithClient(client, DefaultSource), nil
}

// NewCloudEventSinkWithClient wraps an existing CloudEvents client
func NewCloudEventSinkWithClient(client cloudevents.Client, source string) *CloudEventSink {
	if source == "" {
		source = DefaultSource
	}
	return &CloudEventSink{client: client, source: source}
}

func (s *CloudEventSink) ProjectCreated(ctx context.Context, project *registry.Project) error {
	return s.send(ctx, TypeProjectCreated, project.ID.String(), ProjectCreatedData{
		ProjectID: project.ID.String(),
		Name:      project.Name,
		OwnerID:   project.OwnerID,
		CreatedAt: project.CreatedAt,
	})
}

func (s *CloudEventSink) VersionRegistered(ctx context.Context, project *registry.Project, version *registry.Version) error {
	return s.send(ctx, TypeVersionRegistered, fmt.Sprintf("%s/v%d", project.ID, version.Number), VersionRegisteredData{
		ProjectID:   project.ID.String(),
		ProjectName: project.Name,
		OwnerID:     project.OwnerID,
		Version:     version.Number,
		FileName:    version.FileName,
		BlobPath:    version.BlobPath,
		Size:        version.Size,
		Language:    version.Language,
		Checksum:    version.Checksum,
		UploadedAt:  version.UploadedAt,
	})
}

func (s *CloudEventSink) send(ctx context.Context, eventType, subject string, data any) error {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(s.source)
	event.SetType(eventType)
	event.SetSubject(subject)
	event.SetTime(time.Now().UTC())
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	if result := s.client.Send(ctx, event); !cloudevents.IsACK(result) {
		return fmt.Errorf("failed to send %s event: %w", eventType, result)
	}
	return nil
}
