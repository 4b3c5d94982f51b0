package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/engine"
	"github.com/showrun/showrun/resultstore"
)

// RegisterPackTools exposes every loaded task pack as a run_<packId> tool
// plus a read-only manifest resource. Runs share the limiter so concurrent
// tool calls respect the configured run concurrency.
func RegisterPackTools(s *Server, packs []*showrun.TaskPack, baseRunDir string, opts engine.RunOptions, limiter *showrun.Limiter) {
	for _, pack := range packs {
		s.AddTool(packTool(pack, baseRunDir, opts, limiter))
		s.AddResource(packResource(pack))
	}
}

func packTool(pack *showrun.TaskPack, baseRunDir string, opts engine.RunOptions, limiter *showrun.Limiter) ToolHandler {
	desc := pack.Description
	if desc == "" {
		desc = "Run the " + pack.Name + " task pack"
	}

	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "run_" + pack.ID,
			Description: desc,
			InputSchema: inputJSONSchema(pack.Inputs),
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			inputs := map[string]any{}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &inputs); err != nil {
					return ErrorResult("invalid arguments: " + err.Error())
				}
			}

			runOpts := opts
			runOpts.RunDir = filepath.Join(baseRunDir, pack.ID, showrun.NewID())

			var result *engine.RunResult
			err := limiter.Execute(ctx, func() error {
				var runErr error
				result, runErr = engine.RunTaskPack(ctx, pack, inputs, runOpts)
				return runErr
			})
			if err != nil {
				return ErrorResult(showrun.RedactError(err))
			}

			out, err := json.Marshal(result)
			if err != nil {
				return ErrorResult("encode result: " + err.Error())
			}
			return TextResult(string(out))
		},
	}
}

func packResource(pack *showrun.TaskPack) Resource {
	return Resource{
		URI:         "showrun://packs/" + pack.ID,
		Name:        pack.Name,
		Description: pack.Description,
		MimeType:    "application/json",
		Read: func() string {
			data, err := json.MarshalIndent(pack, "", "  ")
			if err != nil {
				return "{}"
			}
			return string(data)
		},
	}
}

// inputJSONSchema converts a pack's input schema to JSON Schema for the
// tool definition.
func inputJSONSchema(schema showrun.InputSchema) map[string]any {
	properties := map[string]any{}
	var required []string

	for name, field := range schema {
		prop := map[string]any{"type": jsonSchemaType(field.Type)}
		if field.Description != "" {
			prop["description"] = field.Description
		}
		if field.Default != nil {
			prop["default"] = field.Default
		}
		properties[name] = prop
		if field.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	out := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func jsonSchemaType(t string) string {
	switch t {
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}

// RegisterResultTools exposes the result store over MCP: query_results
// filters one stored record's collectibles, list_results pages over
// summaries.
func RegisterResultTools(s *Server, provider resultstore.Provider) {
	s.AddTool(queryResultsTool(provider))
	s.AddTool(listResultsTool(provider))
}

func queryResultsTool(provider resultstore.Provider) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "query_results",
			Description: "Query collectibles stored for a previous run. Supports JMESPath projection, sorting, and pagination over array data.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":      map[string]any{"type": "string", "description": "Result key returned by a run (_resultKey)"},
					"jmesPath": map[string]any{"type": "string", "description": "JMESPath expression applied to the collectibles"},
					"sortBy":   map[string]any{"type": "string", "description": "Field to sort array elements by"},
					"sortDir":  map[string]any{"type": "string", "description": "asc or desc"},
					"limit":    map[string]any{"type": "number"},
					"offset":   map[string]any{"type": "number"},
				},
				"required": []string{"key"},
			},
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			var params struct {
				Key      string `json:"key"`
				JMESPath string `json:"jmesPath"`
				SortBy   string `json:"sortBy"`
				SortDir  string `json:"sortDir"`
				Limit    int    `json:"limit"`
				Offset   int    `json:"offset"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ErrorResult("invalid arguments: " + err.Error())
			}
			if params.Key == "" {
				return ErrorResult("key is required")
			}

			result, err := provider.Filter(ctx, resultstore.FilterOptions{
				Key:      params.Key,
				JMESPath: params.JMESPath,
				SortBy:   params.SortBy,
				SortDir:  params.SortDir,
				Limit:    params.Limit,
				Offset:   params.Offset,
			})
			if err != nil {
				return ErrorResult(err.Error())
			}
			if result == nil {
				return ErrorResult(fmt.Sprintf("no result stored for key %q", params.Key))
			}

			out, err := json.Marshal(result)
			if err != nil {
				return ErrorResult("encode result: " + err.Error())
			}
			return TextResult(string(out))
		},
	}
}

func listResultsTool(provider resultstore.Provider) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "list_results",
			Description: "List stored run results (key, pack id, version, stored time), newest first by default.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit":   map[string]any{"type": "number"},
					"offset":  map[string]any{"type": "number"},
					"sortBy":  map[string]any{"type": "string", "description": "storedAt, packId, or key"},
					"sortDir": map[string]any{"type": "string", "description": "asc or desc"},
				},
			},
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			var params struct {
				Limit   int    `json:"limit"`
				Offset  int    `json:"offset"`
				SortBy  string `json:"sortBy"`
				SortDir string `json:"sortDir"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return ErrorResult("invalid arguments: " + err.Error())
				}
			}

			summaries, err := provider.List(ctx, resultstore.ListOptions{
				Limit:   params.Limit,
				Offset:  params.Offset,
				SortBy:  params.SortBy,
				SortDir: params.SortDir,
			})
			if err != nil {
				return ErrorResult(err.Error())
			}

			out, err := json.Marshal(summaries)
			if err != nil {
				return ErrorResult("encode result: " + err.Error())
			}
			return TextResult(string(out))
		},
	}
}
