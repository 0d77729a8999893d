package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworks/opsmcp/observability"
)

// PromptManager holds the prompt registry.
type PromptManager struct {
	prompts map[string]Prompt
	logger  observability.Logger
}

// NewPromptManager creates a PromptManager and registers the given prompts.
func NewPromptManager(prompts []Prompt, logger observability.Logger) (*PromptManager, error) {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	pm := &PromptManager{
		prompts: make(map[string]Prompt),
		logger:  logger,
	}
	for _, prompt := range prompts {
		if err := pm.RegisterPrompt(prompt); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

// RegisterPrompt adds a prompt to the registry. A duplicate name overwrites
// the previous registration (last write wins) with a warning.
func (pm *PromptManager) RegisterPrompt(prompt Prompt) error {
	if err := validatePrompt(prompt); err != nil {
		return err
	}
	if _, exists := pm.prompts[prompt.Name]; exists {
		pm.logger.WithFields(map[string]interface{}{
			"prompt": prompt.Name,
		}).Warn("Duplicate prompt registration, overwriting previous definition")
	}
	pm.prompts[prompt.Name] = prompt
	return nil
}

func validatePrompt(prompt Prompt) error {
	if prompt.Name == "" {
		return fmt.Errorf("prompt name cannot be empty")
	}
	if prompt.Content == "" {
		return fmt.Errorf("prompt content cannot be empty")
	}
	for _, arg := range prompt.Arguments {
		if arg.Name == "" {
			return fmt.Errorf("argument name cannot be empty")
		}
	}
	return nil
}

// ListPrompts returns a snapshot of the registered prompts, sorted by name,
// with optional cursor pagination.
func (pm *PromptManager) ListPrompts(cursor string, limit int) ListPromptsResult {
	if limit <= 0 {
		limit = 50
	}

	names := make([]string, 0, len(pm.prompts))
	for name := range pm.prompts {
		names = append(names, name)
	}
	sort.Strings(names)

	startIdx := 0
	if cursor != "" {
		for i, name := range names {
			if name == cursor {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := startIdx + limit
	if endIdx > len(names) {
		endIdx = len(names)
	}

	pagePrompts := make([]Prompt, 0, endIdx-startIdx)
	for i := startIdx; i < endIdx; i++ {
		pagePrompts = append(pagePrompts, pm.prompts[names[i]])
	}

	var nextCursor string
	if endIdx < len(names) {
		nextCursor = names[endIdx-1]
	}

	return ListPromptsResult{Prompts: pagePrompts, NextCursor: nextCursor}
}

// GetPrompt retrieves a prompt by name and renders it with the supplied
// arguments. The second return value reports a registry miss.
func (pm *PromptManager) GetPrompt(params GetPromptParams) (*GetPromptResult, bool) {
	prompt, exists := pm.prompts[params.Name]
	if !exists {
		return nil, false
	}

	text := substituteArguments(prompt.Content, params.Arguments)
	return &GetPromptResult{
		Description: prompt.Description,
		Messages: []PromptMessage{{
			Role:    "user",
			Content: PromptContent{Type: "text", Text: text},
		}},
	}, true
}

// substituteArguments replaces every {name} occurrence in content with the
// stringified caller-supplied value. Substitution is best effort: unresolved
// placeholders stay verbatim and extra arguments are ignored, so a prompt
// fetched without arguments comes back exactly as registered.
func substituteArguments(content string, arguments json.RawMessage) string {
	if len(arguments) == 0 {
		return content
	}

	var provided map[string]interface{}
	if err := json.Unmarshal(arguments, &provided); err != nil {
		return content
	}

	for name, value := range provided {
		placeholder := "{" + name + "}"
		content = strings.ReplaceAll(content, placeholder, stringifyArgument(value))
	}
	return content
}

func stringifyArgument(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	if b, err := json.Marshal(value); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", value)
}
