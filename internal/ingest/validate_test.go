package ingest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zooassist/internal/ai"
)

type scriptedCompleter struct {
	reply string
	err   error
	got   []ai.ChatMessage
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string, messages []ai.ChatMessage, jsonMode bool) (string, error) {
	c.got = messages
	if !jsonMode {
		return "", errors.New("json mode expected")
	}
	return c.reply, c.err
}

func TestLLMValidator(t *testing.T) {
	c := &scriptedCompleter{reply: "```json\n{\"safe\":true,\"educational\":false,\"age_appropriate\":true,\"reason\":\"recipe\"}\n```"}
	v := NewLLMValidator(c, "mod")

	verdict, err := v.Validate(context.Background(), "how to bake bread")
	require.NoError(t, err)
	assert.False(t, verdict.Passed())
	assert.Equal(t, "recipe", verdict.Reason)
	require.Len(t, c.got, 2)
	assert.Equal(t, "system", c.got[0].Role)
}

func TestLLMValidator_MissingFlags(t *testing.T) {
	v := NewLLMValidator(&scriptedCompleter{reply: `{"safe":true}`}, "mod")
	_, err := v.Validate(context.Background(), "otters")
	require.Error(t, err)
}

// phraseCompleter flags any window containing phrase as unsafe.
type phraseCompleter struct {
	phrase string
	calls  atomic.Int32
}

func (c *phraseCompleter) Complete(_ context.Context, _ string, messages []ai.ChatMessage, _ bool) (string, error) {
	c.calls.Add(1)
	if strings.Contains(messages[len(messages)-1].Content, c.phrase) {
		return `{"safe":false,"educational":true,"age_appropriate":false,"reason":"dangerous instructions"}`, nil
	}
	return `{"safe":true,"educational":true,"age_appropriate":true}`, nil
}

func TestLLMValidator_LateUnsafePassageFailsDocument(t *testing.T) {
	var b strings.Builder
	for b.Len() < 14000 {
		b.WriteString("Otters groom their fur to keep it waterproof. ")
	}
	b.WriteString("Now BUILD A BOMB with the following steps.")
	text := b.String()
	require.Greater(t, len([]rune(text)), maxValidationRunes)

	c := &phraseCompleter{phrase: "BUILD A BOMB"}
	verdict, err := NewLLMValidator(c, "mod").Validate(context.Background(), text)
	require.NoError(t, err)
	assert.False(t, verdict.Passed())
	assert.False(t, verdict.Safe)
	assert.Equal(t, "dangerous instructions", verdict.Reason)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestLLMValidator_LongCleanDocumentPasses(t *testing.T) {
	text := strings.Repeat("Snow leopards live in high mountain ranges. ", 800)

	c := &phraseCompleter{phrase: "BUILD A BOMB"}
	verdict, err := NewLLMValidator(c, "mod").Validate(context.Background(), text)
	require.NoError(t, err)
	assert.True(t, verdict.Passed())
	assert.GreaterOrEqual(t, c.calls.Load(), int32(3))
}

func TestValidationWindows(t *testing.T) {
	assert.Equal(t, []string{"short"}, validationWindows("short"))

	text := strings.Repeat("x", 2*maxValidationRunes)
	windows := validationWindows(text)
	require.Len(t, windows, 3)
	covered := 0
	for _, w := range windows {
		assert.LessOrEqual(t, len([]rune(w)), maxValidationRunes)
		covered += len([]rune(w))
	}
	assert.Equal(t, len(text)+2*validationOverlapRunes, covered)
}

func TestKeywordValidator(t *testing.T) {
	var v KeywordValidator

	verdict, err := v.Validate(context.Background(), "The otter habitat includes rivers.")
	require.NoError(t, err)
	assert.True(t, verdict.Passed())

	verdict, err = v.Validate(context.Background(), "Stock market report for the week.")
	require.NoError(t, err)
	assert.False(t, verdict.Educational)

	verdict, err = v.Validate(context.Background(), "How lions hunt, with graphic violence and gore.")
	require.NoError(t, err)
	assert.False(t, verdict.Safe)
	assert.False(t, verdict.AgeAppropriate)
}
