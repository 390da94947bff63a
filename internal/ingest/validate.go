package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"zooassist/internal/ai"
)

const (
	maxValidationRunes     = 12000
	validationOverlapRunes = 200
)

// ContentValidation is the verdict on an extracted document. A file is
// only embedded when all three flags are true.
type ContentValidation struct {
	Safe           bool   `json:"safe"`
	Educational    bool   `json:"educational"`
	AgeAppropriate bool   `json:"age_appropriate"`
	Reason         string `json:"reason,omitempty"`
}

func (v ContentValidation) Passed() bool {
	return v.Safe && v.Educational && v.AgeAppropriate
}

// ContentValidator judges whether extracted text may be used by an
// assistant that talks to children and families.
type ContentValidator interface {
	Validate(ctx context.Context, text string) (ContentValidation, error)
}

// Completer is the chat completion call the LLM validator needs.
type Completer interface {
	Complete(ctx context.Context, model string, messages []ai.ChatMessage, jsonMode bool) (string, error)
}

const validatorInstructions = `You review documents uploaded as knowledge for a zoo exhibit chatbot that talks with children and families.
Answer with a JSON object only: {"safe": bool, "educational": bool, "age_appropriate": bool, "reason": string}.
safe: free of violence, sexual content, hate, self-harm and dangerous instructions.
educational: about animals, conservation, habitats, the zoo or related science.
age_appropriate: suitable for a visitor aged 6 and up.`

// LLMValidator classifies text through a chat completion model.
type LLMValidator struct {
	client Completer
	model  string
}

func NewLLMValidator(client Completer, model string) *LLMValidator {
	return &LLMValidator{client: client, model: model}
}

// Validate classifies the text window by window and fails the document on
// the first window that clears any flag.
func (v *LLMValidator) Validate(ctx context.Context, text string) (ContentValidation, error) {
	verdict := ContentValidation{Safe: true, Educational: true, AgeAppropriate: true}
	for _, window := range validationWindows(text) {
		messages := []ai.ChatMessage{
			{Role: "system", Content: validatorInstructions},
			{Role: "user", Content: window},
		}
		raw, err := v.client.Complete(ctx, v.model, messages, true)
		if err != nil {
			return ContentValidation{}, err
		}
		part, err := parseValidation(raw)
		if err != nil {
			return ContentValidation{}, err
		}
		if !part.Passed() {
			return part, nil
		}
		if verdict.Reason == "" {
			verdict.Reason = part.Reason
		}
	}
	return verdict, nil
}

// validationWindows splits text into overlapping rune windows so a phrase
// cut at one boundary is whole in the next window.
func validationWindows(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxValidationRunes {
		return []string{text}
	}
	step := maxValidationRunes - validationOverlapRunes
	var windows []string
	for start := 0; start < len(runes); start += step {
		end := min(start+maxValidationRunes, len(runes))
		windows = append(windows, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return windows
}

func parseValidation(raw string) (ContentValidation, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var out struct {
		Safe           *bool  `json:"safe"`
		Educational    *bool  `json:"educational"`
		AgeAppropriate *bool  `json:"age_appropriate"`
		Reason         string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return ContentValidation{}, fmt.Errorf("parse validation verdict failed: %w", err)
	}
	if out.Safe == nil || out.Educational == nil || out.AgeAppropriate == nil {
		return ContentValidation{}, fmt.Errorf("validation verdict is missing flags: %s", raw)
	}
	return ContentValidation{
		Safe:           *out.Safe,
		Educational:    *out.Educational,
		AgeAppropriate: *out.AgeAppropriate,
		Reason:         out.Reason,
	}, nil
}

var (
	unsafeTerms = []string{
		"kill yourself", "suicide", "self-harm", "bomb", "explosive", "firearm",
		"gore", "torture", "porn", "sexual",
	}
	matureTerms = []string{
		"alcohol", "cocaine", "heroin", "gambling", "casino", "graphic violence",
	}
	educationalTerms = []string{
		"animal", "species", "habitat", "conservation", "zoo", "wildlife",
		"diet", "predator", "prey", "mammal", "bird", "reptile", "fish",
		"amphibian", "insect", "endangered", "ecosystem", "otter", "lion",
	}
)

// KeywordValidator is the offline validator. It flags known unsafe and
// mature terms and requires at least one subject term.
type KeywordValidator struct{}

func (KeywordValidator) Validate(ctx context.Context, text string) (ContentValidation, error) {
	if err := ctx.Err(); err != nil {
		return ContentValidation{}, err
	}
	lower := strings.ToLower(text)
	verdict := ContentValidation{
		Safe:           !containsAny(lower, unsafeTerms),
		Educational:    containsAny(lower, educationalTerms),
		AgeAppropriate: !containsAny(lower, matureTerms),
	}
	switch {
	case !verdict.Safe:
		verdict.Reason = "contains unsafe terms"
	case !verdict.AgeAppropriate:
		verdict.Reason = "contains mature terms"
	case !verdict.Educational:
		verdict.Reason = "no animal or conservation subject found"
	}
	verdict.AgeAppropriate = verdict.AgeAppropriate && verdict.Safe
	return verdict, nil
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
