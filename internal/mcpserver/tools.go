package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"formulary/internal/domain"
)

// RecommendInput is the input schema for recommend_inhaler.
type RecommendInput struct {
	Question  string `json:"question" jsonschema:"the clinical or coverage question, e.g. best rescue inhaler"`
	Insurer   string `json:"insurer" jsonschema:"insurer whose formulary to search, e.g. UnitedHealthcare"`
	DrugClass string `json:"drug_class,omitempty" jsonschema:"optional drug class: SABA, ICS, LABA, LAMA, ICS/LABA, LAMA/LABA or ICS/LABA/LAMA"`
}

// RecommendOutput is the output schema for recommend_inhaler.
type RecommendOutput struct {
	Answer          string                  `json:"answer"`
	Recommendations []domain.Recommendation `json:"recommendations,omitempty"`
	NoMatch         bool                    `json:"no_match"`
	Degraded        bool                    `json:"degraded,omitempty"`
}

// ClassesInput takes no arguments.
type ClassesInput struct{}

// ClassesOutput is the output schema for list_drug_classes.
type ClassesOutput struct {
	Classes []ClassOutput `json:"classes"`
}

// ClassOutput describes one drug class.
type ClassOutput struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Examples    []string `json:"examples"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "recommend_inhaler",
		Description: "Recommend the lowest tier, least restricted inhaler per drug class on an insurer's formulary",
	}, s.handleRecommend)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_drug_classes",
		Description: "List the respiratory drug classes the recommender understands",
	}, s.handleClasses)
}

func (s *Server) handleRecommend(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RecommendInput,
) (*mcp.CallToolResult, RecommendOutput, error) {
	var class domain.DrugClass
	if c := strings.TrimSpace(input.DrugClass); c != "" {
		parsed, ok := domain.ParseDrugClass(c)
		if !ok {
			return nil, RecommendOutput{}, fmt.Errorf("%w: unknown drug class %q", domain.ErrInvalidInput, c)
		}
		class = parsed
	}
	ans, err := s.ports.Recommender.Query(ctx, input.Question, input.Insurer, class)
	if err != nil {
		return nil, RecommendOutput{}, err
	}
	return nil, RecommendOutput{
		Answer:          ans.Text,
		Recommendations: ans.Recommendations,
		NoMatch:         ans.NoMatch != nil,
		Degraded:        ans.Degraded,
	}, nil
}

func (s *Server) handleClasses(
	_ context.Context,
	_ *mcp.CallToolRequest,
	_ ClassesInput,
) (*mcp.CallToolResult, ClassesOutput, error) {
	out := ClassesOutput{Classes: make([]ClassOutput, 0, len(domain.Classes))}
	for _, info := range domain.Classes {
		out.Classes = append(out.Classes, ClassOutput{
			Code:        string(info.Class),
			Description: info.Description,
			Examples:    info.Examples,
		})
	}
	return nil, out, nil
}
