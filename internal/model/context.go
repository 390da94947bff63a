package model

// ConversationContext is what the conversation-serving side needs to
// answer a turn: the effective system prompt and the vector references of
// the owner's completed knowledge files.
type ConversationContext struct {
	Owner        OwnerRef `json:"owner"`
	MergedPrompt string   `json:"merged_prompt"`
	Fingerprint  string   `json:"fingerprint"`
	VectorRefs   []string `json:"vector_refs"`
}
