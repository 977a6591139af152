// Package mcp exposes the archive reconciliation tools over the Model
// Context Protocol, on stdio or over HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/app"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/batch"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/indexes"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/reconcile"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

type Server struct {
	app *app.App
	mcp *server.MCPServer
}

type ServerConfig struct {
	App     *app.App
	Version string
}

func NewServer(cfg ServerConfig) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{app: cfg.App}
	s.mcp = server.NewMCPServer(
		"archivectl",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

func scopeOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("car_id", mcp.Description("Restrict to one car (24 hex characters); omit for the whole collection")),
		mcp.WithBoolean("dry_run", mcp.Description("Report what would change without writing"), mcp.DefaultBool(true)),
		mcp.WithString("mode", mcp.Description("full scans every image in scope, partial only candidates"), mcp.Enum("full", "partial")),
		mcp.WithNumber("limit", mcp.Description("Maximum images to visit in partial mode")),
	}
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("coverage_report",
		mcp.WithDescription("Report how many images carry each filterable field at the top level, how many only have nested metadata, and the most common field-presence patterns."),
		mcp.WithString("car_id", mcp.Description("Restrict to one car; omit for the whole collection")),
	), s.handleCoverage)

	filterOpts := []mcp.ToolOption{
		mcp.WithDescription("Find images by filterable metadata. Filters are ANDed; each matches the top-level or nested value, ignoring case. Values outside the vocabulary match nothing."),
		mcp.WithString("car_id", mcp.Description("Restrict to one car")),
		mcp.WithString("search", mcp.Description("Free-text search over filename, description and category")),
		mcp.WithNumber("limit", mcp.Description("Maximum images to return"), mcp.DefaultNumber(50)),
	}
	for _, f := range metadata.FilterableFields {
		filterOpts = append(filterOpts, mcp.WithString(string(f), mcp.Description("Filter on "+string(f))))
	}
	s.mcp.AddTool(mcp.NewTool("query_images", filterOpts...), s.handleQuery)

	s.mcp.AddTool(mcp.NewTool("classify_image",
		mcp.WithDescription("Explain how one image's metadata is stored: filterable, nested only or unfilterable, plus values outside the vocabulary."),
		mcp.WithString("image_id", mcp.Required(), mcp.Description("Image id (24 hex characters)")),
	), s.handleClassify)

	inheritOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Copy filterable metadata from originals to derived images that have none. Existing fields are never overwritten."),
		mcp.WithBoolean("fallback", mcp.Description("Use the processing default when the original cannot be resolved")),
	}, scopeOptions()...)
	s.mcp.AddTool(mcp.NewTool("inherit_metadata", inheritOpts...), s.handlePass(reconcile.PassInherit))

	defaultsOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Apply the documented processing default to derived images whose original cannot be resolved."),
	}, scopeOptions()...)
	s.mcp.AddTool(mcp.NewTool("apply_defaults", defaultsOpts...), s.handlePass(reconcile.PassApplyDefaults))

	s.mcp.AddTool(mcp.NewTool("plan_indexes",
		mcp.WithDescription("List the indexes that back car-scoped filtering, and optionally declare them."),
		mcp.WithBoolean("apply", mcp.Description("Declare the indexes instead of only listing them"), mcp.DefaultBool(false)),
	), s.handlePlanIndexes)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError reports caller mistakes as tool errors and everything else as a
// protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, metadata.ErrUnknownField), errors.Is(err, model.ErrInvalidRef):
		return mcp.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

func carArg(request mcp.CallToolRequest) (model.Ref, error) {
	raw := strings.TrimSpace(request.GetString("car_id", ""))
	if raw == "" {
		return "", nil
	}
	return model.ParseRef(raw)
}

func (s *Server) handleCoverage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	car, err := carArg(request)
	if err != nil {
		return toolError(err)
	}
	rep, err := s.app.Reporter().Report(ctx, car)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(rep)
}

func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filters := make(map[string]string)
	for _, f := range metadata.FilterableFields {
		if v := request.GetString(string(f), ""); v != "" {
			filters[string(f)] = v
		}
	}
	res, err := s.app.QueryImages(ctx, app.QueryParams{
		CarID:   request.GetString("car_id", ""),
		Filters: filters,
		Search:  request.GetString("search", ""),
		Limit:   int64(request.GetInt("limit", 50)),
	})
	if err != nil {
		return toolError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleClassify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("image_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.app.Classify(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(c)
}

func (s *Server) handlePass(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		car, err := carArg(request)
		if err != nil {
			return toolError(err)
		}
		mode, err := batch.ParseMode(request.GetString("mode", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		opts := batch.Options{
			CarID:  car,
			DryRun: request.GetBool("dry_run", true),
			Mode:   mode,
			Limit:  int64(request.GetInt("limit", 0)),
		}
		flags := app.PassFlags{Fallback: request.GetBool("fallback", false)}

		summary, err := s.app.RunPass(ctx, name, opts, flags)
		if err != nil {
			return nil, err
		}
		return jsonResult(summary)
	}
}

func (s *Server) handlePlanIndexes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specs := indexes.Plan(metadata.FilterableFields)
	results, err := s.app.Indexes().Apply(ctx, specs, !request.GetBool("apply", false))
	if err != nil {
		return nil, err
	}
	return jsonResult(results)
}

// ServeStdio serves MCP on stdin/stdout until ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.app.Logger.Info("serving MCP on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Handlers are the HTTP transports of the MCP server.
type Handlers struct {
	SSE        http.Handler
	Message    http.Handler
	Streamable http.Handler
}

// HTTPHandlers builds the SSE (/sse, /message) and streamable (/mcp)
// transports. baseURL is the externally visible server root.
func (s *Server) HTTPHandlers(baseURL string, srv *http.Server) Handlers {
	sse := server.NewSSEServer(s.mcp,
		server.WithBaseURL(baseURL),
		server.WithUseFullURLForMessageEndpoint(true),
		server.WithHTTPServer(srv),
	)
	streamable := server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithStreamableHTTPServer(srv),
	)
	return Handlers{
		SSE:        sse.SSEHandler(),
		Message:    sse.MessageHandler(),
		Streamable: streamable,
	}
}
