package repository

import (
	"context"
	"errors"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/repository/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresPresenceRepository struct {
	db *gorm.DB
}

func NewPostgresPresenceRepository(db *gorm.DB) *PostgresPresenceRepository {
	return &PostgresPresenceRepository{db: db}
}

func (r *PostgresPresenceRepository) Upsert(ctx context.Context, presence *domain.UserPresence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if presence == nil {
		return errors.New("presence is nil")
	}

	record := toModelPresence(presence)
	updateColumns := []string{"status", "updated_at"}
	if record.Name != "" {
		updateColumns = append(updateColumns, "name")
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(record).Error
}

func (r *PostgresPresenceRepository) GetByID(ctx context.Context, userID string) (*domain.UserPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record model.Presence
	err := r.db.WithContext(ctx).First(&record, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPresenceNotFound
		}
		return nil, err
	}

	return toDomainPresence(&record), nil
}

func (r *PostgresPresenceRepository) List(ctx context.Context) ([]*domain.UserPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []model.Presence
	if err := r.db.WithContext(ctx).Order("user_id").Find(&records).Error; err != nil {
		return nil, err
	}

	result := make([]*domain.UserPresence, 0, len(records))
	for i := range records {
		result = append(result, toDomainPresence(&records[i]))
	}
	return result, nil
}

func toModelPresence(p *domain.UserPresence) *model.Presence {
	return &model.Presence{
		UserID:    p.UserID,
		Name:      p.Name,
		Status:    string(p.Status),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func toDomainPresence(p *model.Presence) *domain.UserPresence {
	status := domain.Status(p.Status)
	if !status.Valid() {
		status = domain.StatusOffline
	}
	return &domain.UserPresence{
		UserID:    p.UserID,
		Name:      p.Name,
		Status:    status,
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}
