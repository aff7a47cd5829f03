//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	ac "github.com/panyam/authcore"
)

// Open connects to dsn: sqlite://<path> (pure Go SQLite) or
// postgres://... / postgresql://...
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{TranslateError: true}
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		db, err := gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return gorm.Open(postgres.Open(dsn), cfg)
	}
	return nil, fmt.Errorf("unsupported database url %q", dsn)
}

// AutoMigrate runs database migrations for all authcore tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&RefreshTokenModel{},
		&SessionModel{},
	)
}

// CredentialStore implements ac.CredentialStore using GORM. Uniqueness is
// left to the database's unique indexes; Save is a conditional UPDATE on
// the version column.
type CredentialStore struct {
	db *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func providerColumn(p ac.Provider) (string, error) {
	switch p {
	case ac.ProviderGoogle:
		return "google_id", nil
	case ac.ProviderGitHub:
		return "github_id", nil
	}
	return "", fmt.Errorf("%w: %q", ac.ErrUnsupportedCredential, p)
}

// translateError maps unique violations to ac.ErrUserExists.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ac.ErrUserExists
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") {
		return ac.ErrUserExists
	}
	return err
}

func (s *CredentialStore) withTokens(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Preload("RefreshTokens", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at, id")
	})
}

func (s *CredentialStore) findOne(ctx context.Context, query string, args ...any) (*ac.User, error) {
	var model UserModel
	err := s.withTokens(ctx).Where(query, args...).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ac.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToUser(), nil
}

func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*ac.User, error) {
	email = ac.NormalizeEmail(email)
	if email == "" {
		return nil, ac.ErrUserNotFound
	}
	return s.findOne(ctx, "email = ?", email)
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*ac.User, error) {
	return s.findOne(ctx, "id = ?", id)
}

func (s *CredentialStore) FindByProviderID(ctx context.Context, provider ac.Provider, providerID string) (*ac.User, error) {
	col, err := providerColumn(provider)
	if err != nil {
		return nil, err
	}
	if providerID == "" {
		return nil, ac.ErrUserNotFound
	}
	return s.findOne(ctx, col+" = ?", providerID)
}

func (s *CredentialStore) Create(ctx context.Context, user *ac.User) error {
	model := s.newModel(user)
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return translateError(err)
	}
	s.created(user, model)
	return nil
}

func (s *CredentialStore) newModel(user *ac.User) *UserModel {
	now := time.Now().UTC()
	model := UserToModel(user)
	model.Version = 1
	model.CreatedAt = now
	model.UpdatedAt = now
	return model
}

func (s *CredentialStore) created(user *ac.User, model *UserModel) {
	user.Email = ac.NormalizeEmail(user.Email)
	user.Version = model.Version
	user.CreatedAt = model.CreatedAt
	user.UpdatedAt = model.UpdatedAt
}

func (s *CredentialStore) Save(ctx context.Context, user *ac.User) error {
	model := UserToModel(user)
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserModel{}).
			Where("id = ? AND version = ?", user.ID, user.Version).
			Updates(map[string]any{
				"email":                 model.Email,
				"password_hash":         model.PasswordHash,
				"name":                  model.Name,
				"google_id":             model.GoogleID,
				"github_id":             model.GitHubID,
				"totp_secret":           model.TOTPSecret,
				"totp_enabled":          model.TOTPEnabled,
				"magic_link_token":      model.MagicLinkToken,
				"magic_link_expires_at": model.MagicLinkExpiresAt,
				"version":               user.Version + 1,
				"updated_at":            now,
			})
		if res.Error != nil {
			return translateError(res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&UserModel{}).Where("id = ?", user.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ac.ErrUserNotFound
			}
			return ac.ErrVersionConflict
		}

		if err := tx.Where("user_id = ?", user.ID).Delete(&RefreshTokenModel{}).Error; err != nil {
			return err
		}
		if len(model.RefreshTokens) > 0 {
			if err := tx.Create(&model.RefreshTokens).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	user.Email = ac.NormalizeEmail(user.Email)
	user.Version++
	user.UpdatedAt = now
	return nil
}

// UpsertByProvider inserts the candidate with ON CONFLICT DO NOTHING on the
// provider column and rereads on conflict, so concurrent first logins for
// one provider id converge on a single row.
func (s *CredentialStore) UpsertByProvider(ctx context.Context, provider ac.Provider, candidate *ac.User) (*ac.User, bool, error) {
	col, err := providerColumn(provider)
	if err != nil {
		return nil, false, err
	}
	providerID := candidate.ProviderID(provider)
	if providerID == "" {
		return nil, false, fmt.Errorf("%w: candidate has no %s id", ac.ErrInvalidInput, provider)
	}

	if existing, err := s.FindByProviderID(ctx, provider, providerID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ac.ErrUserNotFound) {
		return nil, false, err
	}

	model := s.newModel(candidate)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: col}}, DoNothing: true}).
		Omit(clause.Associations).
		Create(model)
	if res.Error != nil {
		err := translateError(res.Error)
		if errors.Is(err, ac.ErrUserExists) {
			// A racing insert may trip the email index before the provider one.
			if existing, ferr := s.FindByProviderID(ctx, provider, providerID); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	if res.RowsAffected == 1 {
		s.created(candidate, model)
		return candidate.Clone(), true, nil
	}
	existing, err := s.FindByProviderID(ctx, provider, providerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *CredentialStore) ForEachUser(ctx context.Context, fn func(*ac.User) error) error {
	var batch []UserModel
	res := s.withTokens(ctx).Order("id").FindInBatches(&batch, 100, func(tx *gorm.DB, _ int) error {
		for i := range batch {
			if err := fn(batch[i].ToUser()); err != nil {
				return err
			}
		}
		return nil
	})
	return res.Error
}

// DeleteUser removes a user and their refresh tokens.
func (s *CredentialStore) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&RefreshTokenModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&UserModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ac.ErrUserNotFound
		}
		return nil
	})
}
