package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"zooassist/internal/model"
	"zooassist/internal/repository"
)

// ContextCache keeps assembled conversation contexts between turns.
type ContextCache interface {
	ContextInvalidator
	Get(ctx context.Context, owner model.OwnerRef) (*model.ConversationContext, bool, error)
	Set(ctx context.Context, value *model.ConversationContext) error
}

// ContextService assembles what a conversation turn needs: the effective
// prompt and the vector references of completed knowledge files.
type ContextService struct {
	store      *repository.Store
	assistants *AssistantService
	sandboxes  *SandboxService
	cache      ContextCache
	logger     *zap.Logger
}

func NewContextService(
	store *repository.Store,
	assistants *AssistantService,
	sandboxes *SandboxService,
	cache ContextCache,
	logger *zap.Logger,
) *ContextService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextService{
		store:      store,
		assistants: assistants,
		sandboxes:  sandboxes,
		cache:      cache,
		logger:     logger,
	}
}

// ForAssistant returns the context of an ACTIVE assistant.
func (s *ContextService) ForAssistant(ctx context.Context, id uint) (*model.ConversationContext, error) {
	assistant, err := s.assistants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if assistant.Status != model.AssistantActive {
		return nil, fmt.Errorf("%w: assistant %d is %s", ErrInvalidState, id, assistant.Status)
	}
	owner := model.OwnerRef{Type: model.OwnerAssistant, ID: id}
	return s.load(ctx, owner, assistant.MergedPrompt, assistant.PromptFingerprint)
}

// ForSandbox counts one conversation against the sandbox and returns its
// context. Expired and promoted sandboxes are refused.
func (s *ContextService) ForSandbox(ctx context.Context, id uint) (*model.ConversationContext, error) {
	if _, err := s.sandboxes.Touch(ctx, id); err != nil {
		return nil, err
	}
	sandbox, err := s.sandboxes.GetUsable(ctx, id)
	if err != nil {
		return nil, err
	}
	owner := model.OwnerRef{Type: model.OwnerSandbox, ID: id}
	return s.load(ctx, owner, sandbox.MergedPrompt, sandbox.PromptFingerprint)
}

func (s *ContextService) load(ctx context.Context, owner model.OwnerRef, prompt, fingerprint string) (*model.ConversationContext, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, owner)
		if err != nil {
			s.logger.Warn("read context cache failed", zap.String("owner_type", string(owner.Type)), zap.Uint("owner_id", owner.ID), zap.Error(err))
		} else if ok && cached.Fingerprint == fingerprint {
			return cached, nil
		}
	}

	refs, err := s.store.Files.ListVectorRefs(ctx, owner)
	if err != nil {
		return nil, err
	}
	if refs == nil {
		refs = []string{}
	}
	value := &model.ConversationContext{
		Owner:        owner,
		MergedPrompt: prompt,
		Fingerprint:  fingerprint,
		VectorRefs:   refs,
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, value); err != nil {
			s.logger.Warn("write context cache failed", zap.String("owner_type", string(owner.Type)), zap.Uint("owner_id", owner.ID), zap.Error(err))
		}
	}
	return value, nil
}
