package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zooassist/internal/model"
)

func TestContextService_ForAssistant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	owner := model.OwnerRef{Type: model.OwnerAssistant, ID: a.ID}

	empty, err := e.contexts.ForAssistant(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, empty.VectorRefs)
	assert.Empty(t, empty.VectorRefs)
	assert.Equal(t, a.MergedPrompt, empty.MergedPrompt)

	// A completed file arriving invalidates the cached entry.
	f := e.completedFile(t, owner, "otters.txt")
	require.NoError(t, e.cache.Invalidate(ctx, owner))
	got, err := e.contexts.ForAssistant(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{f.VectorEmbeddingID}, got.VectorRefs)

	cached, ok, err := e.cache.Get(ctx, owner)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got.Fingerprint, cached.Fingerprint)

	_, err = e.assistants.SetStatus(ctx, a.ID, model.AssistantInactive, "")
	require.NoError(t, err)
	_, err = e.contexts.ForAssistant(ctx, a.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = e.contexts.ForAssistant(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContextService_StaleCacheEntryIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	owner := model.OwnerRef{Type: model.OwnerAssistant, ID: a.ID}
	require.NoError(t, e.cache.Set(ctx, &model.ConversationContext{
		Owner:        owner,
		MergedPrompt: "outdated prompt",
		Fingerprint:  "outdated",
		VectorRefs:   []string{},
	}))

	got, err := e.contexts.ForAssistant(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.MergedPrompt, got.MergedPrompt)
	assert.Equal(t, a.PromptFingerprint, got.Fingerprint)
}

func TestContextService_ForSandboxCountsConversations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sb := e.sandbox(t)

	for i := 0; i < 3; i++ {
		got, err := e.contexts.ForSandbox(ctx, sb.ID)
		require.NoError(t, err)
		assert.Equal(t, sb.MergedPrompt, got.MergedPrompt)
	}
	current, err := e.store.Sandboxes.GetByID(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, current.ConversationCount)

	e.clock.Advance(31 * time.Minute)
	_, err = e.contexts.ForSandbox(ctx, sb.ID)
	require.ErrorIs(t, err, ErrExpired)
}
