package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jemings/deepwiki-open/internal/deepwiki"
)

// Server wraps the MCP server with the service it exposes.
type Server struct {
	server  *mcp.Server
	service *deepwiki.Service
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(service *deepwiki.Service) *Server {
	impl := &mcp.Implementation{
		Name:    "deepwiki",
		Version: "v0.1.0",
	}

	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_repository",
		Description: "Answer a question about a repository, grounded in its source code. The repository is indexed on first use.",
	}, makeAskHandler(service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_repository",
		Description: "Semantically search a repository's source and return the most relevant excerpts with file paths and scores.",
	}, makeSearchHandler(service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "generate_wiki",
		Description: "Generate (or return the cached) documentation wiki for a repository: a planned set of chapters rendered as one markdown document.",
	}, makeGenerateWikiHandler(service))

	return &Server{server: server, service: service}
}

// Run starts the server on stdio transport and blocks until the client
// disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
