package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/halversen/mnemo/internal/ledger"
	"github.com/halversen/mnemo/internal/retrieval"
	"github.com/halversen/mnemo/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        *storage.Store
	Writer       *ledger.Writer
	Retriever    *retrieval.Retriever
	DefaultChain string // chain used when a tool call omits one
}

// NewMCPServer creates an MCP server with the ledger tools and resources
// registered, for use over stdio by local agent frontends.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mnemo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mnemo — tamper-evident local memory ledger: append events, recall context, verify history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("append_event",
			mcp.WithDescription("Append an event to the tamper-evident memory ledger."),
			mcp.WithString("content", mcp.Description("The event text to record"), mcp.Required()),
			mcp.WithString("role", mcp.Description("Event role: user, assistant, system, or tool (default user)")),
			mcp.WithString("chain", mcp.Description("Chain to append to (default from config)")),
			mcp.WithArray("tags", mcp.Description("Optional tags, e.g. decision or preference")),
		),
		mcpAppendEvent(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Retrieve ledger blocks and memory items relevant to a query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("chain", mcp.Description("Chain to search (default from config)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of blocks to return (default 8)")),
			mcp.WithString("project", mcp.Description("Bias memory items toward this project")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("verify_chain",
			mcp.WithDescription("Recompute hashes over a chain and report any integrity issues."),
			mcp.WithString("chain", mcp.Description("Chain to verify (default from config)")),
		),
		mcpVerifyChain(deps),
	)

	s.AddTool(
		mcp.NewTool("checkpoint",
			mcp.WithDescription("Force a summary checkpoint at the chain's current head."),
			mcp.WithString("chain", mcp.Description("Chain to checkpoint (default from config)")),
		),
		mcpCheckpoint(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ledger://chains",
			"Ledger Chains",
			mcp.WithResourceDescription("All chains with their current head hash and height"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceChains(deps),
	)

	return s
}

func (d MCPDeps) chainArg(req mcp.CallToolRequest) string {
	if chain := req.GetString("chain", ""); chain != "" {
		return chain
	}
	return d.DefaultChain
}

func mcpAppendEvent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		role := req.GetString("role", "user")
		tags := req.GetStringSlice("tags", nil)

		res, err := deps.Writer.Append(ctx, deps.chainArg(req), role, content, ledger.AppendOptions{
			Tags: tags,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("append failed: %v", err)), nil
		}

		msg := fmt.Sprintf("Recorded block %s at height %d (hash %s)", res.BlockID, res.Height, res.HeaderHash[:12])
		if res.Redacted {
			msg += "; secret-like content was redacted before storage"
		}
		return mcpText(msg), nil
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 0)
		if limit > 50 {
			limit = 50
		}

		citations, err := deps.Retriever.RelevantContext(ctx, deps.chainArg(req), query, retrieval.Budget{
			MaxBlocks: limit,
			Project:   req.GetString("project", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		if len(citations) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(citations)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpVerifyChain(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := ledger.NewVerifier(deps.Store).VerifyChain(deps.chainArg(req))
		if err != nil {
			return mcpError(fmt.Sprintf("verification failed: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		result := mcpText(string(b))
		result.IsError = !report.OK
		return result, nil
	}
}

func mcpCheckpoint(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, err := deps.Writer.Summarizer().CheckpointHead(deps.chainArg(req))
		if err != nil {
			return mcpError(fmt.Sprintf("checkpoint failed: %v", err)), nil
		}
		if sum.Text == "" {
			return mcpText("Nothing to summarize yet."), nil
		}
		return mcpText(fmt.Sprintf("Checkpoint at height %d:\n%s", sum.UpToHeight, sum.Text)), nil
	}
}

func mcpResourceChains(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		chains, err := deps.Store.ListChains()
		if err != nil {
			return nil, fmt.Errorf("failed to list chains: %w", err)
		}

		type chainInfo struct {
			ChainID    string `json:"chain_id"`
			HeadHash   string `json:"head_hash"`
			HeadHeight int64  `json:"head_height"`
			CreatedAt  string `json:"created_at"`
		}
		out := make([]chainInfo, len(chains))
		for i, c := range chains {
			out[i] = chainInfo{
				ChainID:    c.ChainID,
				HeadHash:   c.HeadHash,
				HeadHeight: c.HeadHeight,
				CreatedAt:  c.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chains: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
