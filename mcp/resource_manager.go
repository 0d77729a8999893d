package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/agentworks/opsmcp/observability"
)

// ResourceReadHook resolves the content of a resource at read time. Content
// is never stored on the descriptor; the hook is the single resolution point.
type ResourceReadHook func(ctx context.Context, resource Resource) (string, error)

// ResourceManager holds the resource registry.
type ResourceManager struct {
	resources map[string]Resource
	readHook  ResourceReadHook
	logger    observability.Logger
}

// NewResourceManager creates a ResourceManager with the given resources and
// read hook. A nil hook resolves every resource to empty content.
func NewResourceManager(resources []Resource, readHook ResourceReadHook, logger observability.Logger) (*ResourceManager, error) {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	rm := &ResourceManager{
		resources: make(map[string]Resource),
		readHook:  readHook,
		logger:    logger,
	}
	for _, resource := range resources {
		if err := rm.RegisterResource(resource); err != nil {
			return nil, err
		}
	}
	return rm, nil
}

// RegisterResource adds a resource to the registry. A duplicate URI
// overwrites the previous registration (last write wins) with a warning.
func (rm *ResourceManager) RegisterResource(resource Resource) error {
	if resource.URI == "" {
		return fmt.Errorf("resource URI cannot be empty")
	}
	if resource.Name == "" {
		resource.Name = path.Base(resource.URI)
	}
	if _, exists := rm.resources[resource.URI]; exists {
		rm.logger.WithFields(map[string]interface{}{
			"uri": resource.URI,
		}).Warn("Duplicate resource registration, overwriting previous definition")
	}
	rm.resources[resource.URI] = resource
	return nil
}

// GetResource retrieves a resource by URI. The second return value reports
// a miss.
func (rm *ResourceManager) GetResource(uri string) (Resource, bool) {
	resource, exists := rm.resources[uri]
	return resource, exists
}

// ListResources returns a snapshot of the registered resources, sorted by
// URI, with optional cursor pagination.
func (rm *ResourceManager) ListResources(cursor string, limit int) ListResourcesResult {
	if limit <= 0 {
		limit = 50
	}

	uris := make([]string, 0, len(rm.resources))
	for uri := range rm.resources {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	startIdx := 0
	if cursor != "" {
		for i, uri := range uris {
			if uri == cursor {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := startIdx + limit
	if endIdx > len(uris) {
		endIdx = len(uris)
	}

	pageResources := make([]Resource, 0, endIdx-startIdx)
	for i := startIdx; i < endIdx; i++ {
		pageResources = append(pageResources, rm.resources[uris[i]])
	}

	var nextCursor string
	if endIdx < len(uris) {
		nextCursor = uris[endIdx-1]
	}

	return ListResourcesResult{Resources: pageResources, NextCursor: nextCursor}
}

// ReadResource resolves a resource's content through the read hook. Text
// mime types travel in the text field; everything else is base64 encoded
// into the blob field.
func (rm *ResourceManager) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	resource, exists := rm.resources[params.URI]
	if !exists {
		return ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
	}

	var body string
	if rm.readHook != nil {
		resolved, err := rm.readHook(ctx, resource)
		if err != nil {
			return ReadResourceResult{}, fmt.Errorf("failed to read resource %s: %w", params.URI, err)
		}
		body = resolved
	}

	content := ResourceContent{URI: resource.URI, MimeType: resource.MimeType}
	if strings.HasPrefix(resource.MimeType, "text/") || resource.MimeType == "" {
		content.Text = body
	} else {
		content.Blob = base64.StdEncoding.EncodeToString([]byte(body))
	}

	return ReadResourceResult{Contents: []ResourceContent{content}}, nil
}
