package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// SystemEntryName is the name of the tool that stores context entries.
const SystemEntryName = "createSystemEntry"

// NewSystemEntry returns the tool that persists a categorised context entry
// for conversationID into store.
func NewSystemEntry(store memory.ContextStore, conversationID string) Tool {
	return Tool{
		Definition: s2s.ToolDefinition{
			Name:        SystemEntryName,
			Description: "Creates a new entry in the user's personal system, such as a reminder, a note, or an item for a list.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{
						"type":        "string",
						"description": `The category of the entry (e.g., "reminder", "note", "grocery list", "to-do item", "birthday").`,
					},
					"entryContent": map[string]any{
						"type":        "string",
						"description": "The detailed content of the system entry.",
					},
				},
				"required": []string{"category", "entryContent"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			vals, err := StringArgs(SystemEntryName, args, "category", "entryContent")
			if err != nil {
				return Result{}, err
			}
			category, content := vals[0], vals[1]
			if _, err := store.AddEntry(ctx, conversationID, memory.ContextEntry{
				Category: category,
				Content:  content,
				Status:   memory.StatusActive,
			}); err != nil {
				return Result{}, fmt.Errorf("tools: %s: %w", SystemEntryName, err)
			}
			return Result{
				Output:          fmt.Sprintf(`System entry "%s - %s" saved successfully.`, category, content),
				Acknowledgement: fmt.Sprintf(`Okay, I've noted down "%s" under your "%s" entries! I'll keep it in mind.`, content, category),
			}, nil
		},
		FailureOutput: func(err error) string {
			var ae *ArgumentError
			if errors.As(err, &ae) {
				return "Failed to save system entry: missing category or content."
			}
			return "Failed to save system entry: " + err.Error()
		},
	}
}
