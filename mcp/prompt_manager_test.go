package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworks/opsmcp/observability"
)

func greetingPrompt() Prompt {
	return Prompt{
		Name:        "greeting",
		Description: "Greets a person by name",
		Arguments: []PromptArgument{
			{Name: "name", Description: "Who to greet", Required: true},
		},
		Content: "Hello {name}",
	}
}

func TestNewPromptManager(t *testing.T) {
	pm, err := NewPromptManager([]Prompt{greetingPrompt()}, observability.NewNullLogger())
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Len(t, pm.ListPrompts("", 0).Prompts, 1)
}

func TestRegisterPromptValidation(t *testing.T) {
	pm, err := NewPromptManager(nil, observability.NewNullLogger())
	require.NoError(t, err)

	assert.Error(t, pm.RegisterPrompt(Prompt{Content: "x"}))
	assert.Error(t, pm.RegisterPrompt(Prompt{Name: "p"}))
	assert.Error(t, pm.RegisterPrompt(Prompt{
		Name:      "p",
		Content:   "x",
		Arguments: []PromptArgument{{Description: "unnamed"}},
	}))
}

func TestRegisterPromptLastWriteWins(t *testing.T) {
	pm, err := NewPromptManager(nil, observability.NewNullLogger())
	require.NoError(t, err)

	first := greetingPrompt()
	require.NoError(t, pm.RegisterPrompt(first))

	second := greetingPrompt()
	second.Content = "Hi {name}"
	require.NoError(t, pm.RegisterPrompt(second))

	result, ok := pm.GetPrompt(GetPromptParams{
		Name:      "greeting",
		Arguments: json.RawMessage(`{"name":"Ann"}`),
	})
	require.True(t, ok)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "Hi Ann", result.Messages[0].Content.Text)
}

func TestGetPromptSubstitution(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		arguments string
		wantText  string
	}{
		{
			name:      "simple substitution",
			content:   "Hello {name}",
			arguments: `{"name":"Ann"}`,
			wantText:  "Hello Ann",
		},
		{
			name:     "no arguments leaves placeholders verbatim",
			content:  "Hello {name}",
			wantText: "Hello {name}",
		},
		{
			name:      "unresolved placeholder stays verbatim",
			content:   "Deploy {service} to {environment}",
			arguments: `{"service":"api"}`,
			wantText:  "Deploy api to {environment}",
		},
		{
			name:      "non-string values are stringified",
			content:   "Retry {count} times",
			arguments: `{"count":3}`,
			wantText:  "Retry 3 times",
		},
		{
			name:      "extra arguments are ignored",
			content:   "Hello {name}",
			arguments: `{"name":"Ann","unused":"x"}`,
			wantText:  "Hello Ann",
		},
		{
			name:      "repeated placeholder replaced everywhere",
			content:   "{name}, yes {name}",
			arguments: `{"name":"Ann"}`,
			wantText:  "Ann, yes Ann",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt := greetingPrompt()
			prompt.Content = tt.content
			pm, err := NewPromptManager([]Prompt{prompt}, observability.NewNullLogger())
			require.NoError(t, err)

			params := GetPromptParams{Name: "greeting"}
			if tt.arguments != "" {
				params.Arguments = json.RawMessage(tt.arguments)
			}

			result, ok := pm.GetPrompt(params)
			require.True(t, ok)
			require.Len(t, result.Messages, 1)
			assert.Equal(t, tt.wantText, result.Messages[0].Content.Text)
			assert.Equal(t, "user", result.Messages[0].Role)
		})
	}
}

func TestGetPromptMiss(t *testing.T) {
	pm, err := NewPromptManager(nil, observability.NewNullLogger())
	require.NoError(t, err)

	result, ok := pm.GetPrompt(GetPromptParams{Name: "missing"})
	assert.False(t, ok)
	assert.Nil(t, result)
}

func TestListPromptsPagination(t *testing.T) {
	var prompts []Prompt
	for _, name := range []string{"a", "b", "c"} {
		p := greetingPrompt()
		p.Name = name
		prompts = append(prompts, p)
	}
	pm, err := NewPromptManager(prompts, observability.NewNullLogger())
	require.NoError(t, err)

	page := pm.ListPrompts("", 2)
	require.Len(t, page.Prompts, 2)
	assert.Equal(t, "b", page.NextCursor)

	page = pm.ListPrompts(page.NextCursor, 2)
	require.Len(t, page.Prompts, 1)
	assert.Equal(t, "c", page.Prompts[0].Name)
	assert.Empty(t, page.NextCursor)
}
