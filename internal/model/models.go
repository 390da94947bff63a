package model

// All lists every table managed by AutoMigrate.
func All() []any {
	return []any{
		&Fragment{},
		&AnimalAssistant{},
		&SandboxAssistant{},
		&KnowledgeFile{},
		&KnowledgeChunk{},
	}
}
