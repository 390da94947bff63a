package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the repositories over one database handle so that services
// can run several of them inside a single transaction.
type Store struct {
	db *gorm.DB

	Fragments  *FragmentRepository
	Assistants *AssistantRepository
	Sandboxes  *SandboxRepository
	Files      *KnowledgeFileRepository
	Chunks     *KnowledgeChunkRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:         db,
		Fragments:  NewFragmentRepository(db),
		Assistants: NewAssistantRepository(db),
		Sandboxes:  NewSandboxRepository(db),
		Files:      NewKnowledgeFileRepository(db),
		Chunks:     NewKnowledgeChunkRepository(db),
	}
}

// Transaction runs fn against a Store bound to one transaction. Every
// statement inside fn must go through tx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

func (s *Store) DB() *gorm.DB {
	return s.db
}
