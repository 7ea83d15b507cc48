package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/identifier"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

const (
	opServiceNew = "users.service.new"
	opRegister   = "users.register"
	opLogin      = "users.login"
	opGet        = "users.get"

	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonInvalidEmail       = "invalid_email"
	reasonWeakPassword       = "weak_password"
	reasonEmailTaken         = "email_taken"
	reasonNotFound           = "not_found"
	reasonInvalidCredentials = "invalid_credentials"
	reasonHashFailed         = "hash_failed"
	reasonQueryFailed        = "query_failed"
	reasonCommitFailed       = "commit_failed"
	reasonIDGenerationFailed = "id_generation_failed"

	minPasswordLength = 8
)

var (
	errMissingDatabase   = errors.New("users: database connection required")
	errMissingIDProvider = errors.New("users: id provider required")
	errWrongPassword     = errors.New("users: password mismatch")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig carries the dependencies for the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
}

// Service registers accounts and checks login credentials.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Register creates an account with the given roles (the verified-participant
// pair when none are named) and returns its credential-free view.
func (s *Service) Register(ctx context.Context, email, password, nickname string, roles []Role) (Account, error) {
	email = strings.TrimSpace(email)
	if !validEmail(email) {
		return Account{}, serviceerror.New(opRegister, reasonInvalidEmail,
			fmt.Errorf("users: %q is not a usable login email", email))
	}
	if len(password) < minPasswordLength {
		return Account{}, serviceerror.New(opRegister, reasonWeakPassword,
			fmt.Errorf("users: password shorter than %d characters", minPasswordLength))
	}

	hash, err := HashPassword(password)
	if err != nil {
		s.logError(opRegister, reasonHashFailed, err)
		return Account{}, serviceerror.New(opRegister, reasonHashFailed, err)
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegister, reasonIDGenerationFailed, err)
		return Account{}, serviceerror.New(opRegister, reasonIDGenerationFailed, err)
	}
	if len(roles) == 0 {
		roles = defaultRoles()
	}

	now := s.clock().UTC()
	row := User{
		UserID:       userID,
		Email:        email,
		PasswordHash: hash,
		Nickname:     strings.TrimSpace(nickname),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
			return serviceerror.New(opRegister, reasonQueryFailed, err)
		}
		if existing > 0 {
			return serviceerror.New(opRegister, reasonEmailTaken,
				fmt.Errorf("users: email %q is already registered", email))
		}
		if err := tx.Create(&row).Error; err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return serviceerror.New(opRegister, reasonEmailTaken, err)
			}
			return serviceerror.New(opRegister, reasonCommitFailed, err)
		}
		for _, role := range roles {
			grant := UserRole{UserID: userID, RoleName: string(role), CreatedAt: now}
			if err := tx.Create(&grant).Error; err != nil {
				return serviceerror.New(opRegister, reasonCommitFailed, err)
			}
		}
		return nil
	})
	if txErr != nil {
		if reason, ok := serviceerror.ReasonOf(txErr); !ok || reason != reasonEmailTaken {
			s.logError(opRegister, reasonCommitFailed, txErr, zap.String("email", email))
		}
		return Account{}, txErr
	}

	return s.account(row, roles), nil
}

// Authenticate checks the password for the account registered under email.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	email = strings.TrimSpace(email)

	var row User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, serviceerror.New(opLogin, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opLogin, reasonQueryFailed, err)
		return Account{}, serviceerror.New(opLogin, reasonQueryFailed, err)
	}

	match, err := VerifyPassword(password, row.PasswordHash)
	if err != nil {
		s.logError(opLogin, reasonHashFailed, err, zap.String("user_id", row.UserID))
		return Account{}, serviceerror.New(opLogin, reasonHashFailed, err)
	}
	if !match {
		return Account{}, serviceerror.New(opLogin, reasonInvalidCredentials, errWrongPassword)
	}

	roles, err := s.loadRoles(ctx, opLogin, row.UserID)
	if err != nil {
		return Account{}, err
	}
	return s.account(row, roles), nil
}

// GetByID returns the account view for a user id.
func (s *Service) GetByID(ctx context.Context, userID string) (Account, error) {
	var row User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, serviceerror.New(opGet, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("user_id", userID))
		return Account{}, serviceerror.New(opGet, reasonQueryFailed, err)
	}
	roles, err := s.loadRoles(ctx, opGet, row.UserID)
	if err != nil {
		return Account{}, err
	}
	return s.account(row, roles), nil
}

// GetByEmail returns the account registered under email. Invitation flows
// address users by email, not id.
func (s *Service) GetByEmail(ctx context.Context, email string) (Account, error) {
	var row User
	err := s.db.WithContext(ctx).Where("email = ?", strings.TrimSpace(email)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, serviceerror.New(opGet, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err)
		return Account{}, serviceerror.New(opGet, reasonQueryFailed, err)
	}
	roles, err := s.loadRoles(ctx, opGet, row.UserID)
	if err != nil {
		return Account{}, err
	}
	return s.account(row, roles), nil
}

func (s *Service) loadRoles(ctx context.Context, operation, userID string) ([]Role, error) {
	var grants []UserRole
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("role_name ASC").
		Find(&grants).Error
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("user_id", userID))
		return nil, serviceerror.New(operation, reasonQueryFailed, err)
	}
	roles := make([]Role, 0, len(grants))
	for _, grant := range grants {
		roles = append(roles, ParseRole(grant.RoleName))
	}
	return roles, nil
}

func (s *Service) account(row User, roles []Role) Account {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return Account{
		UserID:    row.UserID,
		Email:     row.Email,
		Nickname:  row.Nickname,
		Roles:     names,
		CreatedAt: row.CreatedAt,
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
