package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zooassist/internal/model"
)

func TestSandboxService_TouchBeforeAndAfterExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	sb, err := e.sandboxes.Create(ctx, CreateSandboxInput{PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	assert.Equal(t, "Sandbox", sb.Name)
	assert.True(t, e.clock.Now().Add(30*time.Minute).Equal(sb.ExpiresAt))

	e.clock.Advance(29 * time.Minute)
	touched, err := e.sandboxes.Touch(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, touched.ConversationCount)
	assert.True(t, touched.ExpiresAt.Equal(sb.ExpiresAt), "touch must not extend the lifetime")

	e.clock.Advance(2 * time.Minute)
	_, err = e.sandboxes.Touch(ctx, sb.ID)
	require.ErrorIs(t, err, ErrExpired)
	_, err = e.sandboxes.GetUsable(ctx, sb.ID)
	require.ErrorIs(t, err, ErrExpired)

	// Audit reads still work and the references were given back.
	audit, err := e.sandboxes.Get(ctx, sb.ID)
	require.NoError(t, err)
	assert.True(t, audit.UsageReleased)
	assert.Equal(t, 0, e.usage(t, p.ID))
	assert.Equal(t, 0, e.usage(t, g.ID))

	list, err := e.sandboxes.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSandboxService_ExpiryBoundary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	sb, err := e.sandboxes.Create(ctx, CreateSandboxInput{PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	e.clock.Advance(30 * time.Minute)
	_, err = e.sandboxes.Touch(ctx, sb.ID)
	require.NoError(t, err)

	e.clock.Advance(time.Millisecond)
	_, err = e.sandboxes.Touch(ctx, sb.ID)
	require.ErrorIs(t, err, ErrExpired)
}

func TestSandboxService_PromoteMovesEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	sb, err := e.sandboxes.Create(ctx, CreateSandboxInput{Name: "Otter trial", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	sandboxOwner := model.OwnerRef{Type: model.OwnerSandbox, ID: sb.ID}
	for _, name := range []string{"rivers.txt", "diet.md", "habitat.pdf"} {
		ok, err := e.store.Sandboxes.ReserveFileSlot(ctx, sb.ID, MaxSandboxFiles, e.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
		e.completedFile(t, sandboxOwner, name)
	}

	a, err := e.sandboxes.Promote(ctx, sb.ID, "otter-1")
	require.NoError(t, err)
	assert.Equal(t, "otter-1", a.AnimalID)
	assert.Equal(t, model.AssistantActive, a.Status)
	assert.Equal(t, 3, a.FileCount)
	assert.Equal(t, sb.MergedPrompt, a.MergedPrompt)

	moved, err := e.store.Files.ListByOwner(ctx, model.OwnerRef{Type: model.OwnerAssistant, ID: a.ID})
	require.NoError(t, err)
	assert.Len(t, moved, 3)
	left, err := e.store.Files.ListByOwner(ctx, sandboxOwner)
	require.NoError(t, err)
	assert.Empty(t, left)

	// The sandbox's references now belong to the assistant.
	assert.Equal(t, 1, e.usage(t, p.ID))
	assert.Equal(t, 1, e.usage(t, g.ID))

	promoted, err := e.sandboxes.Get(ctx, sb.ID)
	require.NoError(t, err)
	assert.True(t, promoted.IsPromoted)
	require.NotNil(t, promoted.PromotedAssistantID)
	assert.Equal(t, a.ID, *promoted.PromotedAssistantID)

	_, err = e.sandboxes.Promote(ctx, sb.ID, "otter-2")
	require.ErrorIs(t, err, ErrAlreadyPromoted)
	_, err = e.sandboxes.Touch(ctx, sb.ID)
	require.ErrorIs(t, err, ErrAlreadyPromoted)

	// Sweeping later must not release what the assistant now holds.
	e.clock.Advance(time.Hour)
	n, err := e.sandboxes.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, e.usage(t, p.ID))
}

func TestSandboxService_PromoteRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	_, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	sb, err := e.sandboxes.Create(ctx, CreateSandboxInput{PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	_, err = e.sandboxes.Promote(ctx, sb.ID, "otter-1")
	require.ErrorIs(t, err, ErrConflict)
	_, err = e.sandboxes.Promote(ctx, sb.ID, "  ")
	require.ErrorIs(t, err, ErrValidation)
	_, err = e.sandboxes.Promote(ctx, 9999, "otter-2")
	require.ErrorIs(t, err, ErrNotFound)

	e.clock.Advance(31 * time.Minute)
	_, err = e.sandboxes.Promote(ctx, sb.ID, "otter-2")
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 2, e.usage(t, p.ID))
}

func TestSandboxService_SweepIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	for i := 0; i < 3; i++ {
		_, err := e.sandboxes.Create(ctx, CreateSandboxInput{PersonalityID: p.ID, GuardrailID: g.ID})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, e.usage(t, p.ID))

	n, err := e.sandboxes.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	e.clock.Advance(31 * time.Minute)
	n, err = e.sandboxes.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = e.sandboxes.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, 0, e.usage(t, p.ID))
	assert.Equal(t, 0, e.usage(t, g.ID))
}

func TestSandboxService_CreateLimits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	ids := make([]uint, MaxSandboxFiles+1)
	for i := range ids {
		ids[i] = uint(i + 1)
	}
	_, err := e.sandboxes.Create(ctx, CreateSandboxInput{PersonalityID: p.ID, GuardrailID: g.ID, FileIDs: ids})
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, 0, e.usage(t, p.ID))
}
