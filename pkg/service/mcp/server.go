// Package mcp exposes the memory operations as Model Context Protocol tools.
package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// UseCase is the part of memory.UseCase served as tools
type UseCase interface {
	Add(ctx context.Context, in memory.AddInput) (*model.Memory, error)
	Get(ctx context.Context, tenantID, projectID string, id model.MemoryID) (*model.Memory, error)
	List(ctx context.Context, in memory.ListInput) ([]*model.Memory, error)
	Update(ctx context.Context, in memory.UpdateInput) (*model.Memory, error)
	Delete(ctx context.Context, tenantID, projectID string, id model.MemoryID) error
	Search(ctx context.Context, in memory.SearchInput) ([]*model.ScoredMemory, error)
}

type Server struct {
	server *mcp.Server
	uc     UseCase
}

type Option func(*options)

type options struct {
	name    string
	version string
}

func WithImplementation(name, version string) Option {
	return func(o *options) {
		o.name = name
		o.version = version
	}
}

// NewServer registers the memory tools on a new MCP server
func NewServer(uc UseCase, opts ...Option) *Server {
	o := options{name: "memvault", version: "0.1.0"}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: o.name, Version: o.version}, nil),
		uc:     uc,
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_memory",
		Description: "Store a new memory for a tenant and project. The content is embedded for later semantic search.",
	}, s.addMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_memory",
		Description: "Retrieve a single memory by its id.",
	}, s.getMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_memories",
		Description: "List memories of a tenant and project, newest first, optionally filtered by tags and metadata.",
	}, s.listMemories)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "update_memory",
		Description: "Update the content, metadata or tags of a memory. Changing the content regenerates its embedding.",
	}, s.updateMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete_memory",
		Description: "Delete a memory by its id.",
	}, s.deleteMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_memory",
		Description: "Search memories of a tenant and project with a natural language query.",
	}, s.searchMemory)

	return s
}

// Serve runs the server on transport until the client disconnects or ctx ends
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	if err := s.server.Run(ctx, transport); err != nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// toolError renders err as the text of a failed tool call. The kind prefix
// lets clients react without parsing the message.
func toolError(ctx context.Context, tool string, err error) error {
	kind := model.KindOf(err)
	logger := logging.From(ctx).With("tool", tool)
	if kind == model.KindInternal || model.Retryable(err) {
		logger.Error("tool failed", logging.ErrAttr(err))
	} else {
		logger.Debug("tool rejected", logging.ErrAttr(err))
	}
	return fmt.Errorf("%s: %s", kind, err.Error())
}

type scope struct {
	TenantID  string `json:"tenant_id" jsonschema:"tenant identifier"`
	ProjectID string `json:"project_id" jsonschema:"project identifier within the tenant"`
}

type filterInput struct {
	Tags          []string       `json:"tags,omitempty" jsonschema:"only records carrying all of these tags"`
	Metadata      map[string]any `json:"metadata,omitempty" jsonschema:"only records whose metadata has these exact values"`
	CreatedAfter  *time.Time     `json:"created_after,omitempty" jsonschema:"inclusive lower bound of creation time (RFC 3339)"`
	CreatedBefore *time.Time     `json:"created_before,omitempty" jsonschema:"exclusive upper bound of creation time (RFC 3339)"`
}

func (f filterInput) filter() *model.Filter {
	filter := &model.Filter{
		Tags:          f.Tags,
		Metadata:      f.Metadata,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
	}
	if filter.IsEmpty() {
		return nil
	}
	return filter
}

type memoryOutput struct {
	Memory *model.Memory `json:"memory"`
}

type memoriesOutput struct {
	Memories []*model.Memory `json:"memories"`
}

type addMemoryInput struct {
	scope
	Content  string         `json:"content" jsonschema:"text to remember"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"arbitrary key value pairs stored with the memory"`
	Tags     []string       `json:"tags,omitempty" jsonschema:"labels for filtering"`
}

func (s *Server) addMemory(ctx context.Context, _ *mcp.CallToolRequest, in addMemoryInput) (*mcp.CallToolResult, memoryOutput, error) {
	m, err := s.uc.Add(ctx, memory.AddInput{
		TenantID:  in.TenantID,
		ProjectID: in.ProjectID,
		Content:   in.Content,
		Metadata:  in.Metadata,
		Tags:      in.Tags,
	})
	if err != nil {
		return nil, memoryOutput{}, toolError(ctx, "add_memory", err)
	}
	return nil, memoryOutput{Memory: m}, nil
}

type getMemoryInput struct {
	scope
	ID string `json:"id" jsonschema:"memory id"`
}

func (s *Server) getMemory(ctx context.Context, _ *mcp.CallToolRequest, in getMemoryInput) (*mcp.CallToolResult, memoryOutput, error) {
	m, err := s.uc.Get(ctx, in.TenantID, in.ProjectID, model.MemoryID(in.ID))
	if err != nil {
		return nil, memoryOutput{}, toolError(ctx, "get_memory", err)
	}
	return nil, memoryOutput{Memory: m}, nil
}

type listMemoriesInput struct {
	scope
	filterInput
	Limit  int `json:"limit,omitempty" jsonschema:"maximum number of memories to return"`
	Offset int `json:"offset,omitempty" jsonschema:"number of memories to skip"`
}

func (s *Server) listMemories(ctx context.Context, _ *mcp.CallToolRequest, in listMemoriesInput) (*mcp.CallToolResult, memoriesOutput, error) {
	memories, err := s.uc.List(ctx, memory.ListInput{
		TenantID:  in.TenantID,
		ProjectID: in.ProjectID,
		Filter:    in.filter(),
		Limit:     in.Limit,
		Offset:    in.Offset,
	})
	if err != nil {
		return nil, memoriesOutput{}, toolError(ctx, "list_memories", err)
	}
	if memories == nil {
		memories = []*model.Memory{}
	}
	return nil, memoriesOutput{Memories: memories}, nil
}

type updateMemoryInput struct {
	scope
	ID       string          `json:"id" jsonschema:"memory id"`
	Content  *string         `json:"content,omitempty" jsonschema:"new content, re-embedded when changed"`
	Metadata *map[string]any `json:"metadata,omitempty" jsonschema:"replaces the whole metadata"`
	Tags     *[]string       `json:"tags,omitempty" jsonschema:"replaces all tags, an empty list clears them"`
}

func (s *Server) updateMemory(ctx context.Context, _ *mcp.CallToolRequest, in updateMemoryInput) (*mcp.CallToolResult, memoryOutput, error) {
	m, err := s.uc.Update(ctx, memory.UpdateInput{
		TenantID:  in.TenantID,
		ProjectID: in.ProjectID,
		ID:        model.MemoryID(in.ID),
		Content:   in.Content,
		Metadata:  in.Metadata,
		Tags:      in.Tags,
	})
	if err != nil {
		return nil, memoryOutput{}, toolError(ctx, "update_memory", err)
	}
	return nil, memoryOutput{Memory: m}, nil
}

type deleteMemoryOutput struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

func (s *Server) deleteMemory(ctx context.Context, _ *mcp.CallToolRequest, in getMemoryInput) (*mcp.CallToolResult, deleteMemoryOutput, error) {
	if err := s.uc.Delete(ctx, in.TenantID, in.ProjectID, model.MemoryID(in.ID)); err != nil {
		return nil, deleteMemoryOutput{}, toolError(ctx, "delete_memory", err)
	}
	return nil, deleteMemoryOutput{Deleted: true, ID: in.ID}, nil
}

type searchMemoryInput struct {
	scope
	filterInput
	Query string `json:"query" jsonschema:"natural language query"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, 10 when omitted"`
}

type searchMemoryOutput struct {
	Results []*model.ScoredMemory `json:"results"`
}

const defaultSearchLimit = 10

func (s *Server) searchMemory(ctx context.Context, _ *mcp.CallToolRequest, in searchMemoryInput) (*mcp.CallToolResult, searchMemoryOutput, error) {
	limit := in.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}
	results, err := s.uc.Search(ctx, memory.SearchInput{
		TenantID:  in.TenantID,
		ProjectID: in.ProjectID,
		Query:     in.Query,
		Filter:    in.filter(),
		Limit:     limit,
	})
	if err != nil {
		return nil, searchMemoryOutput{}, toolError(ctx, "search_memory", err)
	}
	if results == nil {
		results = []*model.ScoredMemory{}
	}
	return nil, searchMemoryOutput{Results: results}, nil
}
