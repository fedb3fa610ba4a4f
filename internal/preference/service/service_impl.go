package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	prefdomain "github.com/smallbiznis/roundup/internal/preference/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) prefdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("preference.service"),
		genID: p.GenID,
	}
}

func (s *Service) Upsert(ctx context.Context, req prefdomain.UpsertPreferenceRequest) (*prefdomain.RoundupPreference, error) {
	if req.Frequency == "" {
		req.Frequency = prefdomain.FrequencyBiweekly
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	categories, err := json.Marshal(normalizeCategories(req.ExcludedCategories))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pref := prefdomain.RoundupPreference{
		ID:                  s.genID.Generate(),
		UserID:              req.UserID,
		OrgID:               req.OrgID,
		Multiplier:          req.Multiplier,
		MinimumRoundup:      req.MinimumRoundup,
		MonthlyCap:          req.MonthlyCap,
		ExcludedCategories:  categories,
		Paused:              req.Paused,
		RoundupsEnabled:     req.RoundupsEnabled,
		CoversProcessingFee: req.CoversProcessingFee,
		Frequency:           req.Frequency,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing prefdomain.RoundupPreference
		findErr := tx.Where("user_id = ? AND org_id = ?", req.UserID, req.OrgID).First(&existing).Error
		if findErr == nil {
			pref.ID = existing.ID
			pref.CreatedAt = existing.CreatedAt
			return tx.Save(&pref).Error
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		return tx.Create(&pref).Error
	})
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

func (s *Service) Get(ctx context.Context, userID, orgID snowflake.ID) (*prefdomain.RoundupPreference, error) {
	var pref prefdomain.RoundupPreference
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND org_id = ?", userID, orgID).
		First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, prefdomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

func (s *Service) ListActiveByUser(ctx context.Context, userID snowflake.ID) ([]prefdomain.RoundupPreference, error) {
	var prefs []prefdomain.RoundupPreference
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND paused = ? AND roundups_enabled = ?", userID, false, true).
		Order("org_id").
		Find(&prefs).Error
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

func (s *Service) SetPaused(ctx context.Context, userID, orgID snowflake.ID, paused bool) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE roundup_preferences
		 SET paused = ?, updated_at = ?
		 WHERE user_id = ? AND org_id = ?`,
		paused, time.Now().UTC(), userID, orgID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return prefdomain.ErrNotFound
	}
	return nil
}

func normalizeCategories(categories []string) []string {
	out := make([]string, 0, len(categories))
	seen := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
