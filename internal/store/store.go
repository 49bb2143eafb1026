package store

import (
	"context"
	"time"

	"github.com/seantiz/nonsense/internal/model"
)

// Store defines the persistence operations for entity definitions and their
// transition history.
type Store interface {
	PutEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, name string) (*model.Entity, error)
	ListEntities(ctx context.Context) ([]*model.Entity, error)
	DeleteEntity(ctx context.Context, name string) error

	CreateTransition(ctx context.Context, tr *model.Transition) error
	FinishTransition(ctx context.Context, id, result, errName, errMsg string, at time.Time) error
	ListTransitions(ctx context.Context, entity string, limit int) ([]*model.Transition, error)

	Close() error
}
