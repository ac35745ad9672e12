// Package tools exposes the memory store to a chat model as tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/nim-recall/memory"
)

// Tool names.
const (
	RememberNote = "remember_note"
	RecallNotes  = "recall_notes"
	ForgetNote   = "forget_note"
	ListNotes    = "list_notes"
)

// Definition describes one tool offered to the model.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// MemoryToolDefinitions returns the definitions for all memory tools.
func MemoryToolDefinitions() []Definition {
	return []Definition{
		{
			Name: RememberNote,
			Description: "Save a short note about the user for later conversations. " +
				"Use it for stable facts and preferences, not for transient requests.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"note":       StringProperty("The fact to remember, written as a standalone sentence"),
				"importance": IntegerRangeProperty("How much the note matters, 1 (trivia) to 10 (critical). Default 5", memory.MinImportance, memory.MaxImportance),
			}, "note"),
		},
		{
			Name:        RecallNotes,
			Description: "Look up saved notes relevant to a question. Returns up to five notes, best match first.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"query": StringProperty("What you want to know, in natural language"),
			}, "query"),
		},
		{
			Name:        ForgetNote,
			Description: "Delete a saved note by id. Use list_notes to find ids.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"id": StringProperty("The id of the note to delete"),
			}, "id"),
		},
		{
			Name:        ListNotes,
			Description: "List every saved note, newest first, with ids and importance.",
			InputSchema: ObjectSchema(map[string]interface{}{}),
		},
	}
}

// AnthropicTools converts the memory tool definitions to Messages API tools.
func AnthropicTools() []anthropic.ToolUnionParam {
	defs := MemoryToolDefinitions()
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		props, required := properties(def.InputSchema)
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

// Handler executes memory tool calls against a Manager.
type Handler struct {
	manager memory.Manager
}

// NewHandler creates a Handler.
func NewHandler(manager memory.Manager) *Handler {
	return &Handler{manager: manager}
}

// Execute runs the named tool with its JSON input and returns a JSON result.
func (h *Handler) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	log.Printf("[TOOLS] Executing %s", name)

	var (
		result interface{}
		err    error
	)
	switch name {
	case RememberNote:
		result, err = h.remember(ctx, input)
	case RecallNotes:
		result, err = h.recall(ctx, input)
	case ForgetNote:
		result, err = h.forget(ctx, input)
	case ListNotes:
		result, err = h.list(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("%s: marshal result: %w", name, err)
	}
	return string(out), nil
}

// ToolResult executes a tool_use block and wraps the outcome as a tool_result
// block. Failures are reported to the model as error results.
func (h *Handler) ToolResult(ctx context.Context, block anthropic.ToolUseBlock) anthropic.ContentBlockParamUnion {
	out, err := h.Execute(ctx, block.Name, block.Input)
	if err != nil {
		return anthropic.NewToolResultBlock(block.ID, err.Error(), true)
	}
	return anthropic.NewToolResultBlock(block.ID, out, false)
}

type rememberInput struct {
	Note       string `json:"note"`
	Importance *int   `json:"importance,omitempty"`
}

type rememberResult struct {
	ID         string `json:"id"`
	Importance int    `json:"importance"`
	Embedded   bool   `json:"embedded"`
}

func (h *Handler) remember(ctx context.Context, raw json.RawMessage) (*rememberResult, error) {
	var in rememberInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Note) == "" {
		return nil, fmt.Errorf("note is required")
	}

	var opts []memory.SaveOption
	if in.Importance != nil {
		opts = append(opts, memory.WithImportance(*in.Importance))
	}
	entry, err := h.manager.SaveMemory(ctx, in.Note, opts...)
	if err != nil {
		return nil, err
	}
	return &rememberResult{ID: entry.ID, Importance: entry.Importance, Embedded: entry.HasEmbedding()}, nil
}

type recallResult struct {
	Notes []string `json:"notes"`
}

func (h *Handler) recall(ctx context.Context, raw json.RawMessage) (*recallResult, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	notes, err := h.manager.RetrieveRelevantMemory(ctx, in.Query)
	if err != nil {
		return nil, err
	}
	if notes == nil {
		notes = []string{}
	}
	return &recallResult{Notes: notes}, nil
}

type forgetResult struct {
	Deleted string `json:"deleted"`
}

func (h *Handler) forget(ctx context.Context, raw json.RawMessage) (*forgetResult, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if err := h.manager.DeleteMemory(ctx, in.ID); err != nil {
		return nil, err
	}
	return &forgetResult{Deleted: in.ID}, nil
}

type listResult struct {
	Notes []memory.Record `json:"notes"`
}

func (h *Handler) list(ctx context.Context) (*listResult, error) {
	records, err := h.manager.ListAllDecrypted(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []memory.Record{}
	}
	return &listResult{Notes: records}, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid tool input JSON: %w", err)
	}
	return nil
}
