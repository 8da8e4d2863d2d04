// Package mcpserver exposes the recommender as Model Context Protocol
// tools so assistants can ask formulary questions over stdio.
package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"formulary/internal/domain"
	"formulary/internal/ledger"
)

// Version is the MCP server version.
const Version = "0.1.0"

// ErrMissingRecommender is returned when no pipeline is supplied.
var ErrMissingRecommender = errors.New("recommender is required")

// Recommender answers formulary questions.
type Recommender interface {
	Query(ctx context.Context, question, insurer string, class domain.DrugClass) (*domain.Answer, error)
}

// Documents lists ingested formulary files.
type Documents interface {
	List(ctx context.Context) ([]ledger.Entry, error)
}

// Ports are the services the server delegates to. Documents is optional.
type Ports struct {
	Recommender Recommender
	Documents   Documents
}

// Validate checks the required ports are set.
func (p *Ports) Validate() error {
	if p.Recommender == nil {
		return ErrMissingRecommender
	}
	return nil
}

// Server is the MCP server for the formulary recommender.
type Server struct {
	ports  *Ports
	server *mcp.Server
}

// NewServer creates a server with its tools and resources registered.
func NewServer(ports *Ports) (*Server, error) {
	if err := ports.Validate(); err != nil {
		return nil, fmt.Errorf("validating ports: %w", err)
	}
	s := &Server{
		ports:  ports,
		server: mcp.NewServer(&mcp.Implementation{Name: "formulary", Version: Version}, nil),
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
