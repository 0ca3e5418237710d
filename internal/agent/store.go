package agent

import (
	"context"
	"errors"

	"github.com/eleven-am/call-orchestrator/internal/shared"
	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Agent{})
}

func (s *Store) Create(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = shared.NewID("agent_")
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *Store) GetByID(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &a, err
}

func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&agents).Error
	return agents, err
}

func (s *Store) Update(ctx context.Context, a *Agent) error {
	return s.db.WithContext(ctx).Save(a).Error
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&Agent{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementSessions(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).
		UpdateColumn("total_sessions", gorm.Expr("total_sessions + 1")).Error
}
