package registry

import (
	"context"
)

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// ProjectCreated does nothing and returns nil
func (n *NoopEventSink) ProjectCreated(ctx context.Context, project *Project) error {
	return nil
}

// VersionRegistered does nothing and returns nil
func (n *NoopEventSink) VersionRegistered(ctx context.Context, project *Project, version *Version) error {
	return nil
}
