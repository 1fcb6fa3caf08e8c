package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docsync/identity"
	"github.com/hazyhaar/docsync/kit"
	"github.com/hazyhaar/docsync/registry"
	"github.com/hazyhaar/docsync/snapshot"
)

type resolveRequest struct {
	Name   string `json:"name"`
	Create bool   `json:"create"`
}

type resolveResponse struct {
	Name        string `json:"name"`
	CanonicalID string `json:"canonical_id"`
}

type snapshotInfoRequest struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type snapshotInfoResponse struct {
	DocumentID string    `json:"document_id"`
	Found      bool      `json:"found"`
	Size       int       `json:"size,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
	Live       bool      `json:"live"`
	Sessions   int       `json:"sessions"`
}

type checkpointResponse struct {
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	LiveDocuments  int    `json:"live_documents"`
	PendingFlushes int    `json:"pending_flushes"`
}

type retryFlushResponse struct {
	DocumentID     string `json:"document_id"`
	Queued         bool   `json:"queued"`
	PendingFlushes int    `json:"pending_flushes"`
}

type maintenanceRequest struct {
	Active  bool   `json:"active"`
	Message string `json:"message"`
}

type liveDocumentsResponse struct {
	Documents []registry.Status `json:"documents"`
}

type noArgs struct{}

// RegisterMCP adds the admin tools to srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	tool := func(name, desc string, props map[string]any, required ...string) *mcp.Tool {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return &mcp.Tool{Name: name, Description: desc, InputSchema: schema}
	}
	wrap := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(s.log, name))(ep)
	}

	kit.RegisterMCPTool(srv,
		tool("docsync_live_documents", "List documents held in memory with their session counts.", map[string]any{}),
		wrap("docsync_live_documents", s.liveDocumentsEndpoint),
		kit.DecodeArgs[noArgs])

	kit.RegisterMCPTool(srv,
		tool("docsync_resolve", "Resolve a document name to its canonical id. Unknown names fail unless create is true.",
			map[string]any{
				"name":   map[string]any{"type": "string", "description": "Document name as used in the URL path"},
				"create": map[string]any{"type": "boolean", "description": "Create the identity when missing"},
			}, "name"),
		wrap("docsync_resolve", s.resolveEndpoint),
		kit.DecodeArgs[resolveRequest])

	kit.RegisterMCPTool(srv,
		tool("docsync_snapshot_info", "Show stored snapshot metadata for a document, by name or canonical id.",
			map[string]any{
				"name": map[string]any{"type": "string"},
				"id":   map[string]any{"type": "string"},
			}),
		wrap("docsync_snapshot_info", s.snapshotInfoEndpoint),
		kit.DecodeArgs[snapshotInfoRequest])

	kit.RegisterMCPTool(srv,
		tool("docsync_checkpoint", "Flush every live document with unsaved changes.", map[string]any{}),
		wrap("docsync_checkpoint", s.checkpointEndpoint),
		kit.DecodeArgs[noArgs])

	kit.RegisterMCPTool(srv,
		tool("docsync_retry_flush", "Retry the queued flush of a document now, skipping its backoff.",
			map[string]any{
				"name": map[string]any{"type": "string"},
				"id":   map[string]any{"type": "string"},
			}),
		wrap("docsync_retry_flush", s.retryFlushEndpoint),
		kit.DecodeArgs[snapshotInfoRequest])

	kit.RegisterMCPTool(srv,
		tool("docsync_maintenance", "Turn maintenance mode on or off. New connections are refused while on.",
			map[string]any{
				"active":  map[string]any{"type": "boolean"},
				"message": map[string]any{"type": "string"},
			}, "active"),
		wrap("docsync_maintenance", s.maintenanceEndpoint),
		kit.DecodeArgs[maintenanceRequest])
}

func (s *Server) liveDocumentsEndpoint(ctx context.Context, _ any) (any, error) {
	return liveDocumentsResponse{Documents: s.reg.Live()}, nil
}

func (s *Server) resolveEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*resolveRequest)
	name := identity.Normalize(r.Name)
	if r.Create {
		id, err := s.resolver.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		return resolveResponse{Name: name, CanonicalID: id}, nil
	}
	idn, err := s.resolver.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return resolveResponse{Name: name, CanonicalID: idn.CanonicalID}, nil
}

// documentID returns id, or the canonical id of name when id is empty.
func (s *Server) documentID(ctx context.Context, name, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	idn, err := s.resolver.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	return idn.CanonicalID, nil
}

func (s *Server) snapshotInfoEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*snapshotInfoRequest)
	id, err := s.documentID(ctx, r.Name, r.ID)
	if err != nil {
		return nil, err
	}

	resp := snapshotInfoResponse{DocumentID: id, Sessions: s.reg.Sessions(id)}
	resp.Live = resp.Sessions > 0
	snap, err := s.snaps.Stat(ctx, id)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		resp.Found = true
		resp.Size = snap.Size
		resp.Checksum = snap.Checksum
		resp.UpdatedAt = snap.UpdatedAt
	}
	return resp, nil
}

func (s *Server) checkpointEndpoint(ctx context.Context, _ any) (any, error) {
	resp := checkpointResponse{Status: "ok"}
	if err := s.reg.Checkpoint(ctx); err != nil {
		resp.Status = "incomplete"
		resp.Error = err.Error()
	}
	resp.LiveDocuments = len(s.reg.Live())
	pending, err := s.reg.PendingFlushes(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending flushes: %w", err)
	}
	resp.PendingFlushes = pending
	return resp, nil
}

func (s *Server) retryFlushEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*snapshotInfoRequest)
	id, err := s.documentID(ctx, r.Name, r.ID)
	if err != nil {
		return nil, err
	}
	queued, err := s.reg.RetryNow(ctx, id)
	if err != nil {
		return nil, err
	}
	pending, err := s.reg.PendingFlushes(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending flushes: %w", err)
	}
	return retryFlushResponse{DocumentID: id, Queued: queued, PendingFlushes: pending}, nil
}

func (s *Server) maintenanceEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*maintenanceRequest)
	if err := s.maint.Set(ctx, r.Active, r.Message); err != nil {
		return nil, err
	}
	return map[string]any{"active": s.maint.Active(), "message": s.maint.Message()}, nil
}
