package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"drivein/internal/models"
)

type Store struct {
	db     *gorm.DB
	crypto *tokenCrypto
}

type Options struct {
	EncryptionKey string
}

func New(sqlDB *gorm.DB, opts Options) (*Store, error) {
	tc, err := newTokenCrypto(opts.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Store{db: sqlDB, crypto: tc}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) EncryptionEnabled() bool { return s.crypto != nil }

func nowRFC3339Nano() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func userFromRow(row userRow) models.User {
	return models.User{
		ID:        row.ID,
		Email:     row.Email,
		Name:      row.Name,
		Role:      models.UserRole(row.Role),
		CreatedAt: row.CreatedAt,
	}
}

type CreateUserInput struct {
	Email string
	Name  string
	Role  models.UserRole
}

func (s *Store) CreateUser(ctx context.Context, in CreateUserInput) (models.User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" {
		return models.User{}, errors.New("email is required")
	}
	role := in.Role
	if role == "" {
		role = models.UserRoleClient
	}

	row := userRow{
		ID:        ulid.Make().String(),
		Email:     email,
		Name:      strings.TrimSpace(in.Name),
		Role:      string(role),
		CreatedAt: nowRFC3339Nano(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.User{}, err
	}
	return userFromRow(row), nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, bool, error) {
	var row userRow
	if err := s.db.WithContext(ctx).
		Where("id = ?", userID).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, false, nil
		}
		return models.User{}, false, err
	}
	return userFromRow(row), true, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, bool, error) {
	var row userRow
	if err := s.db.WithContext(ctx).
		Where("email = ?", strings.TrimSpace(strings.ToLower(email))).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, false, nil
		}
		return models.User{}, false, err
	}
	return userFromRow(row), true, nil
}

func (s *Store) ListUsersByRole(ctx context.Context, role models.UserRole) ([]models.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).
		Where("role = ?", string(role)).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.User, 0, len(rows))
	for _, row := range rows {
		out = append(out, userFromRow(row))
	}
	return out, nil
}
