package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zooassist/internal/model"
	"zooassist/internal/repository"
	"zooassist/internal/storage"
)

type fakePublisher struct {
	mu  sync.Mutex
	ids []uint
	err error
}

func (p *fakePublisher) PublishIngestJob(_ context.Context, fileID uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, fileID)
	return nil
}

func newKnowledge(t *testing.T, e *env, pub IngestJobPublisher, maxBytes int64) (*KnowledgeService, string) {
	t.Helper()
	root := t.TempDir()
	blobs, err := storage.NewLocalStore(root)
	require.NoError(t, err)
	return NewKnowledgeService(e.store, blobs, pub, nil, maxBytes, e.clock.Now), root
}

func countBlobs(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func (e *env) sandbox(t *testing.T) *model.SandboxAssistant {
	t.Helper()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")
	sb, err := e.sandboxes.Create(context.Background(), CreateSandboxInput{PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	return sb
}

func upload(owner model.OwnerRef, name, content string) UploadInput {
	return UploadInput{
		Owner:    owner,
		FileName: name,
		MimeType: "text/plain",
		Size:     int64(len(content)),
		Body:     strings.NewReader(content),
	}
}

func TestKnowledgeService_UploadRecordsAndEnqueues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sb := e.sandbox(t)
	pub := &fakePublisher{}
	svc, root := newKnowledge(t, e, pub, 0)
	owner := model.OwnerRef{Type: model.OwnerSandbox, ID: sb.ID}

	f, err := svc.Upload(ctx, upload(owner, " otters.txt ", "Otters hold hands while sleeping."))
	require.NoError(t, err)
	assert.Equal(t, "otters.txt", f.FileName)
	assert.Equal(t, model.StatusUploaded, f.ProcessingStatus)
	assert.Equal(t, int64(33), f.SizeBytes)
	assert.Equal(t, []uint{f.ID}, pub.ids)
	assert.Equal(t, 1, countBlobs(t, root))

	status, err := svc.GetStatus(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploaded, status.ProcessingStatus)

	current, err := e.store.Sandboxes.GetByID(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.FileCount)

	_, err = svc.GetStatus(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKnowledgeService_SandboxFileLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sb := e.sandbox(t)
	svc, _ := newKnowledge(t, e, &fakePublisher{}, 0)
	owner := model.OwnerRef{Type: model.OwnerSandbox, ID: sb.ID}

	for i := 0; i < MaxSandboxFiles; i++ {
		_, err := svc.Upload(ctx, upload(owner, fmt.Sprintf("fact-%d.txt", i), "Otters eat fish."))
		require.NoError(t, err)
	}
	_, err := svc.Upload(ctx, upload(owner, "one-too-many.txt", "Otters eat fish."))
	require.ErrorIs(t, err, ErrLimitExceeded)

	files, err := svc.ListFiles(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, files, MaxSandboxFiles)
}

func TestKnowledgeService_UploadRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sb := e.sandbox(t)
	svc, root := newKnowledge(t, e, &fakePublisher{}, 16)
	owner := model.OwnerRef{Type: model.OwnerSandbox, ID: sb.ID}

	_, err := svc.Upload(ctx, upload(owner, "", "text"))
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Upload(ctx, upload(owner, "big.txt", strings.Repeat("x", 17)))
	require.ErrorIs(t, err, ErrLimitExceeded)

	// A lying size header is caught while streaming.
	in := upload(owner, "big.txt", strings.Repeat("x", 40))
	in.Size = 4
	_, err = svc.Upload(ctx, in)
	require.ErrorIs(t, err, ErrLimitExceeded)

	_, err = svc.Upload(ctx, upload(owner, "empty.txt", ""))
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Upload(ctx, upload(model.OwnerRef{Type: model.OwnerSandbox, ID: 9999}, "a.txt", "text"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Upload(ctx, upload(model.OwnerRef{Type: model.OwnerAssistant, ID: 9999}, "a.txt", "text"))
	require.ErrorIs(t, err, ErrNotFound)

	e.clock.Advance(31 * time.Minute)
	_, err = svc.Upload(ctx, upload(owner, "late.txt", "text"))
	require.ErrorIs(t, err, ErrExpired)

	current, err := e.store.Sandboxes.GetByID(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.FileCount)
	assert.Equal(t, 0, countBlobs(t, root))
}

func TestKnowledgeService_PublishFailureLeavesNothingBehind(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sb := e.sandbox(t)
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	svc, root := newKnowledge(t, e, pub, 0)
	owner := model.OwnerRef{Type: model.OwnerSandbox, ID: sb.ID}

	_, err := svc.Upload(ctx, upload(owner, "otters.txt", "Otters hold hands while sleeping."))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")

	files, err := svc.ListFiles(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, files)
	current, err := e.store.Sandboxes.GetByID(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.FileCount)
	assert.Equal(t, 0, countBlobs(t, root))
}

func TestKnowledgeService_Purge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sb := e.sandbox(t)
	pub := &fakePublisher{}
	svc, root := newKnowledge(t, e, pub, 0)
	owner := model.OwnerRef{Type: model.OwnerSandbox, ID: sb.ID}

	f, err := svc.Upload(ctx, upload(owner, "otters.txt", "Otters hold hands while sleeping."))
	require.NoError(t, err)

	claimed, err := e.store.Files.Claim(ctx, f.ID, "worker-token", e.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.ErrorIs(t, svc.Purge(ctx, f.ID), ErrInvalidState)

	ok, err := e.store.Files.Fail(ctx, f.ID, "worker-token", repository.FailureResult{
		Stage:    "extraction",
		Message:  "unsupported file type",
		FailedAt: e.clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.store.Sandboxes.ReleaseFileSlot(ctx, sb.ID))

	require.NoError(t, svc.Purge(ctx, f.ID))
	_, err = svc.GetStatus(ctx, f.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, countBlobs(t, root))

	// A failed file already gave its slot back, purge must not do it twice.
	current, err := e.store.Sandboxes.GetByID(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.FileCount)

	require.ErrorIs(t, svc.Purge(ctx, f.ID), ErrNotFound)
}

func TestKnowledgeService_PurgeKeepsSharedData(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.personality(t, "Curious Otter")
	g := e.guardrail(t, "Family-Safe Strict")
	svc, _ := newKnowledge(t, e, &fakePublisher{}, 0)

	src, err := e.assistants.Create(ctx, CreateAssistantInput{AnimalID: "otter-1", PersonalityID: p.ID, GuardrailID: g.ID})
	require.NoError(t, err)
	ok, err := e.store.Assistants.ReserveFileSlot(ctx, src.ID, MaxAssistantFiles)
	require.NoError(t, err)
	require.True(t, ok)
	original := e.completedFile(t, model.OwnerRef{Type: model.OwnerAssistant, ID: src.ID}, "otters.txt")
	require.NoError(t, e.store.Chunks.CreateBatch(ctx, []model.KnowledgeChunk{
		{VectorSetID: original.VectorEmbeddingID, Seq: 0, Content: "Otters hold hands."},
	}))

	sb, err := e.sandboxes.Create(ctx, CreateSandboxInput{PersonalityID: p.ID, GuardrailID: g.ID, FileIDs: []uint{original.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, sb.FileCount)

	require.NoError(t, svc.Purge(ctx, original.ID))
	n, err := e.store.Chunks.CountByVectorSetID(ctx, original.VectorEmbeddingID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "vectors still referenced by the sandbox copy")

	copies, err := svc.ListFiles(ctx, model.OwnerRef{Type: model.OwnerSandbox, ID: sb.ID})
	require.NoError(t, err)
	require.Len(t, copies, 1)
	require.NoError(t, svc.Purge(ctx, copies[0].ID))
	n, err = e.store.Chunks.CountByVectorSetID(ctx, original.VectorEmbeddingID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assistant, err := e.store.Assistants.GetByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, assistant.FileCount)
}
