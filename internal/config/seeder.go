package config

import (
	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/pkg/password"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Seeder handles database seeding
type Seeder struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewSeeder creates a new seeder instance
func NewSeeder(db *gorm.DB, log *zap.Logger) *Seeder {
	return &Seeder{db: db, log: log}
}

// Run executes all seeders. Failures are logged, never fatal.
func (s *Seeder) Run() error {
	s.log.Info("running database seeders")

	if err := s.seedAdministrator(); err != nil {
		s.log.Warn("administrator seeder skipped", zap.Error(err))
	}

	return nil
}

// seedAdministrator creates the first administrator when none exists.
// The password comes from SEED_ADMIN_PASSWORD; without it nothing is seeded.
func (s *Seeder) seedAdministrator() error {
	var count int64
	if err := s.db.Model(&models.User{}).Where("role = ?", string(authz.RoleAdministrator)).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	plain := getEnv("SEED_ADMIN_PASSWORD", "")
	if plain == "" {
		s.log.Warn("no administrator account and SEED_ADMIN_PASSWORD unset")
		return nil
	}

	hashed, err := password.Hash(plain)
	if err != nil {
		return err
	}

	admin := &models.User{
		Username:    getEnv("SEED_ADMIN_USERNAME", "admin"),
		Email:       getEnv("SEED_ADMIN_EMAIL", "admin@rentmeter.local"),
		DisplayName: "Administrator",
		Password:    hashed,
		Role:        string(authz.RoleAdministrator),
		IsActive:    true,
	}
	if err := s.db.Create(admin).Error; err != nil {
		return err
	}

	s.log.Info("administrator created", zap.String("username", admin.Username))
	return nil
}
