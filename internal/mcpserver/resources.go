package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const documentsURI = "formulary://documents"

func (s *Server) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         documentsURI,
		Name:        "documents",
		Description: "Formulary documents that have been ingested",
		MIMEType:    "application/json",
	}, s.handleDocuments)
}

type documentInfo struct {
	Filename   string `json:"filename"`
	Insurer    string `json:"insurer"`
	Passages   int    `json:"passages"`
	IngestedAt string `json:"ingested_at"`
}

func (s *Server) handleDocuments(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	infos := []documentInfo{}
	if s.ports.Documents != nil {
		entries, err := s.ports.Documents.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}
		for _, e := range entries {
			infos = append(infos, documentInfo{
				Filename:   e.Filename,
				Insurer:    e.Insurer,
				Passages:   e.Passages,
				IngestedAt: e.IngestedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
	}
	data, err := json.Marshal(infos)
	if err != nil {
		return nil, fmt.Errorf("encoding documents: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
