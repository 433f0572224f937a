package widget

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, w *Widget) error {
	return r.db.WithContext(ctx).Create(w).Error
}

// GetByID returns ErrNotFound when no widget has the id.
func (r *Repo) GetByID(ctx context.Context, id string) (*Widget, error) {
	var w Widget
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// Upsert inserts the widget or replaces every column of an existing one.
func (r *Repo) Upsert(ctx context.Context, w *Widget) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(w).Error
}
