package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zooassist/internal/model"
)

func TestAssistantService_MergeOrderAndFingerprint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: " otter-1 ", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	assert.Equal(t, "otter-1", a.AnimalID)
	assert.Equal(t, model.AssistantActive, a.Status)
	assert.Equal(t, MergePrompt(p, g), a.MergedPrompt)
	assert.Equal(t, PromptFingerprint(p, g), a.PromptFingerprint)
	assert.NotNil(t, a.LastPromptMerge)

	personalityAt := strings.Index(a.MergedPrompt, "## Personality: Curious Otter")
	guardrailAt := strings.Index(a.MergedPrompt, "## Guardrails: Family-Safe Strict")
	require.GreaterOrEqual(t, personalityAt, 0)
	assert.Greater(t, guardrailAt, personalityAt)
	assert.Contains(t, a.MergedPrompt, PromptSeparator)

	assert.Equal(t, 1, e.usage(t, p.ID))
	assert.Equal(t, 1, e.usage(t, g.ID))
}

func TestAssistantService_CreateRejectsWrongKind(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")

	_, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: p.ID})
	require.ErrorIs(t, err, ErrNotFound)
	// The failed transaction must not leave a reference behind.
	assert.Equal(t, 0, e.usage(t, p.ID))
}

func TestAssistantService_OneLiveAssistantPerAnimal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	first, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	_, err = e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, e.usage(t, p.ID))

	_, err = e.assistants.SetStatus(ctx, first.ID, model.AssistantInactive, "retired")
	require.NoError(t, err)
	second, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	_, err = e.assistants.SetStatus(ctx, first.ID, model.AssistantActive, "")
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, e.assistants.Delete(ctx, second.ID))
	reactivated, err := e.assistants.SetStatus(ctx, first.ID, model.AssistantActive, "")
	require.NoError(t, err)
	assert.Equal(t, model.AssistantActive, reactivated.Status)
}

func TestAssistantService_ConcurrentCreatesCountEveryReference(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.assistants.Create(ctx, CreateAssistantInput{
				AnimalID:      fmt.Sprintf("animal-%d", i),
				PersonalityID: p.ID,
				GuardrailID:   g.ID,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, n, e.usage(t, p.ID))
	assert.Equal(t, n, e.usage(t, g.ID))
	require.ErrorIs(t, e.fragments.Delete(ctx, model.FragmentPersonality, p.ID), ErrInUse)
}

func TestAssistantService_ConcurrentCreateThenDeleteReleasesEveryReference(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := e.assistants.Create(ctx, CreateAssistantInput{
				AnimalID:      fmt.Sprintf("animal-%d", i),
				PersonalityID: p.ID,
				GuardrailID:   g.ID,
			})
			errs <- err
			if err == nil {
				errs <- e.assistants.Delete(ctx, a.ID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 0, e.usage(t, p.ID))
	assert.Equal(t, 0, e.usage(t, g.ID))
	require.NoError(t, e.fragments.Delete(ctx, model.FragmentPersonality, p.ID))
}

func TestAssistantService_DeleteTwiceReleasesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	_, err = e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-2", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.assistants.Delete(ctx, a.ID)
		}(i)
	}
	wg.Wait()

	var deleted, missing int
	for _, err := range errs {
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, ErrNotFound):
			missing++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, missing)
	assert.Equal(t, 1, e.usage(t, p.ID))
	assert.Equal(t, 1, e.usage(t, g.ID))

	require.ErrorIs(t, e.assistants.Delete(ctx, a.ID), ErrNotFound)
	assert.Equal(t, 1, e.usage(t, p.ID))
}

func TestAssistantService_ConcurrentUpdatesKeepCountsConsistent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	otter := e.personality(t, "Curious Otter")
	tortoise := e.personality(t, "Wise Tortoise")
	lion := e.personality(t, "Proud Lion")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: otter.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, target := range []uint{tortoise.ID, lion.ID} {
		wg.Add(1)
		go func(target uint) {
			defer wg.Done()
			_, err := e.assistants.Update(ctx, a.ID, UpdateAssistantInput{PersonalityID: &target})
			assert.NoError(t, err)
		}(target)
	}
	wg.Wait()

	got, err := e.assistants.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.usage(t, otter.ID))
	assert.Equal(t, 1, e.usage(t, got.PersonalityID))
	assert.Equal(t, 1, e.usage(t, tortoise.ID)+e.usage(t, lion.ID))
}

func TestAssistantService_UpdateMovesReferences(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	otter := e.personality(t, "Curious Otter")
	tortoise := e.personality(t, "Wise Tortoise")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: otter.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	updated, err := e.assistants.Update(ctx, a.ID, UpdateAssistantInput{PersonalityID: &tortoise.ID})
	require.NoError(t, err)
	assert.Equal(t, tortoise.ID, updated.PersonalityID)
	assert.Contains(t, updated.MergedPrompt, "## Personality: Wise Tortoise")
	assert.Equal(t, 0, e.usage(t, otter.ID))
	assert.Equal(t, 1, e.usage(t, tortoise.ID))
	assert.Equal(t, 1, e.usage(t, g.ID))

	missing := uint(9999)
	_, err = e.assistants.Update(ctx, a.ID, UpdateAssistantInput{GuardrailID: &missing})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, e.usage(t, g.ID))
}

func TestAssistantService_ErrorStatusIsSticky(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)

	_, err = e.assistants.SetStatus(ctx, a.ID, model.AssistantError, "model endpoint misbehaving")
	require.NoError(t, err)

	got, err := e.assistants.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssistantError, got.Status)
	assert.Equal(t, "model endpoint misbehaving", got.StatusReason)

	_, err = e.assistants.SetStatus(ctx, a.ID, "PAUSED", "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestAssistantService_DeleteKeepsFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	a, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	owner := model.OwnerRef{Type: model.OwnerAssistant, ID: a.ID}
	e.completedFile(t, owner, "otters.txt")

	require.NoError(t, e.assistants.Delete(ctx, a.ID))
	_, err = e.assistants.Get(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, e.assistants.Delete(ctx, a.ID), ErrNotFound)

	files, err := e.store.Files.ListByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestAssistantService_CreateWithFileCopies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")

	src, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	srcOwner := model.OwnerRef{Type: model.OwnerAssistant, ID: src.ID}
	f := e.completedFile(t, srcOwner, "otters.txt")

	dst, err := e.assistants.Create(ctx, CreateAssistantInput{
		AnimalID: "otter-2", PersonalityID: p.ID, GuardrailID: g.ID, FileIDs: []uint{f.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dst.FileCount)

	copies, err := e.store.Files.ListByOwner(ctx, model.OwnerRef{Type: model.OwnerAssistant, ID: dst.ID})
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.NotEqual(t, f.ID, copies[0].ID)
	assert.Equal(t, f.StorageKey, copies[0].StorageKey)
	assert.Equal(t, f.VectorEmbeddingID, copies[0].VectorEmbeddingID)

	uploaded := &model.KnowledgeFile{
		OwnerType: model.OwnerAssistant, OwnerID: src.ID, FileName: "draft.txt",
		SizeBytes: 1, StorageKey: "raw/draft", ProcessingStatus: model.StatusUploaded,
	}
	require.NoError(t, e.store.Files.Create(ctx, uploaded))
	_, err = e.assistants.Create(ctx, CreateAssistantInput{
		AnimalID: "otter-3", PersonalityID: p.ID, GuardrailID: g.ID, FileIDs: []uint{uploaded.ID},
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 2, e.usage(t, p.ID))
}
