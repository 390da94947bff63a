package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zooassist/internal/model"
	"zooassist/internal/repository"
	"zooassist/internal/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[model.OwnerRef]*model.ConversationContext
	dropped []model.OwnerRef
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: map[model.OwnerRef]*model.ConversationContext{}}
}

func (c *recordingCache) Get(_ context.Context, owner model.OwnerRef) (*model.ConversationContext, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[owner]
	return v, ok, nil
}

func (c *recordingCache) Set(_ context.Context, v *model.ConversationContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[v.Owner] = v
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, owner model.OwnerRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, owner)
	c.dropped = append(c.dropped, owner)
	return nil
}

type env struct {
	store      *repository.Store
	clock      *testClock
	cache      *recordingCache
	prompts    *PromptService
	fragments  *FragmentService
	assistants *AssistantService
	sandboxes  *SandboxService
	contexts   *ContextService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := repository.NewStore(testutil.NewDB(t))
	clock := newClock()
	cache := newRecordingCache()
	prompts := NewPromptService(store, clock.Now)
	assistants := NewAssistantService(store, prompts, cache, nil, clock.Now)
	sandboxes := NewSandboxService(store, prompts, cache, nil, 30*time.Minute, clock.Now)
	return &env{
		store:      store,
		clock:      clock,
		cache:      cache,
		prompts:    prompts,
		fragments:  NewFragmentService(store, sandboxes, nil),
		assistants: assistants,
		sandboxes:  sandboxes,
		contexts:   NewContextService(store, assistants, sandboxes, cache, nil),
	}
}

func body(s string) string {
	for len([]rune(s)) < minFragmentBodyRunes {
		s += " " + s
	}
	return s
}

func (e *env) personality(t *testing.T, name string) *model.Fragment {
	t.Helper()
	f, err := e.fragments.Create(context.Background(), CreateFragmentInput{
		Kind: model.FragmentPersonality,
		Name: name,
		Body: body("You are " + name + ", cheerful and curious about everything."),
		Tone: "playful",
	})
	require.NoError(t, err)
	return f
}

func (e *env) guardrail(t *testing.T, name string) *model.Fragment {
	t.Helper()
	f, err := e.fragments.Create(context.Background(), CreateFragmentInput{
		Kind:     model.FragmentGuardrail,
		Name:     name,
		Body:     body("Keep every answer suitable for children. Never discuss violence."),
		Severity: "strict",
	})
	require.NoError(t, err)
	return f
}

func (e *env) usage(t *testing.T, id uint) int {
	t.Helper()
	f, err := e.store.Fragments.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, f)
	return f.UsageCount
}

// completedFile inserts a finished knowledge file owned by owner.
func (e *env) completedFile(t *testing.T, owner model.OwnerRef, name string) *model.KnowledgeFile {
	t.Helper()
	safe := true
	f := &model.KnowledgeFile{
		OwnerType:         owner.Type,
		OwnerID:           owner.ID,
		FileName:          name,
		SizeBytes:         10,
		StorageKey:        "raw/" + strings.ReplaceAll(name, " ", "_"),
		ProcessingStatus:  model.StatusCompleted,
		VectorEmbeddingID: "vec-" + name,
		Safe:              &safe,
		Educational:       &safe,
		AgeAppropriate:    &safe,
	}
	require.NoError(t, e.store.Files.Create(context.Background(), f))
	return f
}
