package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"zooassist/internal/model"
	"zooassist/internal/repository"
)

// PromptSeparator sits between the personality and guardrail sections.
const PromptSeparator = "\n\n---\n\n"

// MergePrompt builds the system prompt for a fragment pair. Personality
// voice comes first and guardrail constraints last, so the rules are the
// final instructions the model reads.
func MergePrompt(personality, guardrail *model.Fragment) string {
	return "## Personality: " + personality.Name + "\n" + personality.Body +
		PromptSeparator +
		"## Guardrails: " + guardrail.Name + "\n" + guardrail.Body
}

// PromptFingerprint identifies the exact inputs of a merged prompt: ids,
// names and content hashes of both fragments.
func PromptFingerprint(personality, guardrail *model.Fragment) string {
	h := sha256.New()
	h.Write([]byte("p:" + strconv.FormatUint(uint64(personality.ID), 10) + ":" + personality.ContentHash + ":" + personality.Name + "\n"))
	h.Write([]byte("g:" + strconv.FormatUint(uint64(guardrail.ID), 10) + ":" + guardrail.ContentHash + ":" + guardrail.Name + "\n"))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash is the hex sha256 of a fragment body.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

type PromptService struct {
	store *repository.Store
	now   func() time.Time
}

func NewPromptService(store *repository.Store, now func() time.Time) *PromptService {
	if now == nil {
		now = time.Now
	}
	return &PromptService{store: store, now: now}
}

// RecomputeAssistant refreshes the assistant's merged prompt when its
// stored fingerprint no longer matches the referenced fragments.
func (s *PromptService) RecomputeAssistant(ctx context.Context, assistant *model.AnimalAssistant) (bool, error) {
	return s.recomputeAssistant(ctx, s.store, assistant)
}

func (s *PromptService) recomputeAssistant(ctx context.Context, st *repository.Store, assistant *model.AnimalAssistant) (bool, error) {
	personality, guardrail, err := loadPair(ctx, st, assistant.PersonalityID, assistant.GuardrailID)
	if err != nil {
		return false, err
	}
	fingerprint := PromptFingerprint(personality, guardrail)
	if fingerprint == assistant.PromptFingerprint {
		return false, nil
	}

	prompt := MergePrompt(personality, guardrail)
	at := s.now().UTC()
	if err := st.Assistants.StorePrompt(ctx, assistant.ID, prompt, fingerprint, at); err != nil {
		return false, err
	}
	assistant.MergedPrompt = prompt
	assistant.PromptFingerprint = fingerprint
	assistant.LastPromptMerge = &at
	return true, nil
}

// RecomputeSandbox is RecomputeAssistant for sandboxes. Promoted sandboxes
// are read-only history and are never rewritten.
func (s *PromptService) RecomputeSandbox(ctx context.Context, sandbox *model.SandboxAssistant) (bool, error) {
	if sandbox.IsPromoted {
		return false, nil
	}
	personality, guardrail, err := loadPair(ctx, s.store, sandbox.PersonalityID, sandbox.GuardrailID)
	if err != nil {
		return false, err
	}
	fingerprint := PromptFingerprint(personality, guardrail)
	if fingerprint == sandbox.PromptFingerprint {
		return false, nil
	}

	prompt := MergePrompt(personality, guardrail)
	at := s.now().UTC()
	if err := s.store.Sandboxes.StorePrompt(ctx, sandbox.ID, prompt, fingerprint, at); err != nil {
		return false, err
	}
	sandbox.MergedPrompt = prompt
	sandbox.PromptFingerprint = fingerprint
	sandbox.LastPromptMerge = &at
	return true, nil
}

func loadPair(ctx context.Context, st *repository.Store, personalityID, guardrailID uint) (*model.Fragment, *model.Fragment, error) {
	personality, err := st.Fragments.GetByIDAndKind(ctx, personalityID, model.FragmentPersonality)
	if err != nil {
		return nil, nil, err
	}
	if personality == nil {
		return nil, nil, fmt.Errorf("%w: personality %d", ErrNotFound, personalityID)
	}
	guardrail, err := st.Fragments.GetByIDAndKind(ctx, guardrailID, model.FragmentGuardrail)
	if err != nil {
		return nil, nil, err
	}
	if guardrail == nil {
		return nil, nil, fmt.Errorf("%w: guardrail %d", ErrNotFound, guardrailID)
	}
	return personality, guardrail, nil
}
