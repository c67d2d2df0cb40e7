// Package userstore persists user accounts and their password credentials.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates no account matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrEmailTaken indicates an account already uses the email.
	ErrEmailTaken = errors.New("user_store.email_taken")
	// ErrInvalidNickname indicates a nickname outside 2..20 characters.
	ErrInvalidNickname = errors.New("user_store.invalid_nickname")
	// ErrMissingField indicates an empty email, password hash or nickname on create.
	ErrMissingField = errors.New("user_store.missing_field")
	// ErrInvalidRole indicates a role other than USER or ADMIN.
	ErrInvalidRole = errors.New("user_store.invalid_role")
)

// Role grants coarse permissions.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Status is the account lifecycle state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

const (
	nicknameMinLength = 2
	nicknameMaxLength = 20
)

// User is an account record.
type User struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Email        string    `gorm:"column:email;size:100;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password;size:100;not null"`
	Nickname     string    `gorm:"column:nickname;size:50;not null"`
	Role         Role      `gorm:"column:role;size:20;not null"`
	Status       Status    `gorm:"column:status;size:20;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (User) TableName() string {
	return "users"
}

// IsActive reports whether the account may authenticate.
func (user *User) IsActive() bool {
	return user != nil && user.Status == StatusActive
}

// NormalizeEmail trims surrounding whitespace and folds case.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateNickname trims the nickname and checks its length.
func ValidateNickname(nickname string) (string, error) {
	trimmed := strings.TrimSpace(nickname)
	length := utf8.RuneCountInString(trimmed)
	if length < nicknameMinLength || length > nicknameMaxLength {
		return "", ErrInvalidNickname
	}
	return trimmed, nil
}

// Store is a GORM-backed credential store.
type Store struct {
	db          *gorm.DB
	driverLabel string
	logger      *zap.Logger
}

// Open resolves the dialector from databaseURL, connects and migrates.
func Open(ctx context.Context, databaseURL string, zapLogger *zap.Logger) (*Store, error) {
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("user_store.open: %w", err)
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         newZapGormLogger(zapLogger),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&User{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &Store{db: gormDB, driverLabel: driverLabel, logger: zapLogger}, nil
}

// Driver exposes the selected database driver label.
func (store *Store) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts an ACTIVE user with the USER role.
func (store *Store) Create(ctx context.Context, email string, passwordHash string, nickname string) (*User, error) {
	normalizedEmail := NormalizeEmail(email)
	if normalizedEmail == "" || passwordHash == "" {
		return nil, fmt.Errorf("user_store.create: %w", ErrMissingField)
	}
	validNickname, nicknameErr := ValidateNickname(nickname)
	if nicknameErr != nil {
		return nil, fmt.Errorf("user_store.create: %w", nicknameErr)
	}
	exists, existsErr := store.ExistsByEmail(ctx, normalizedEmail)
	if existsErr != nil {
		return nil, existsErr
	}
	if exists {
		return nil, fmt.Errorf("user_store.create: %w", ErrEmailTaken)
	}
	now := time.Now().UTC()
	record := User{
		Email:        normalizedEmail,
		PasswordHash: passwordHash,
		Nickname:     validNickname,
		Role:         RoleUser,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrEmailTaken)
		}
		return nil, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	store.logger.Debug("user created",
		zap.String("code", "user_store.create"),
		zap.Uint64("user_id", record.ID))
	return &record, nil
}

// FindByID returns the user with the given identifier.
func (store *Store) FindByID(ctx context.Context, userID uint64) (*User, error) {
	var record User
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user_store.find_by_id.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return nil, fmt.Errorf("user_store.find_by_id.%s: %w", store.driverLabel, err)
	}
	return &record, nil
}

// FindByEmail returns the user owning the normalized email.
func (store *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	var record User
	err := store.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user_store.find_by_email.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return nil, fmt.Errorf("user_store.find_by_email.%s: %w", store.driverLabel, err)
	}
	return &record, nil
}

// ExistsByEmail reports whether any account uses the normalized email.
func (store *Store) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&User{}).Where("email = ?", NormalizeEmail(email)).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("user_store.exists_by_email.%s: %w", store.driverLabel, err)
	}
	return count > 0, nil
}

// UpdateNickname changes the nickname and returns the updated record.
func (store *Store) UpdateNickname(ctx context.Context, userID uint64, nickname string) (*User, error) {
	validNickname, nicknameErr := ValidateNickname(nickname)
	if nicknameErr != nil {
		return nil, fmt.Errorf("user_store.update_nickname: %w", nicknameErr)
	}
	return store.update(ctx, "update_nickname", userID, map[string]any{"nickname": validNickname})
}

// Deactivate marks the account INACTIVE; the record is kept.
func (store *Store) Deactivate(ctx context.Context, userID uint64) (*User, error) {
	return store.update(ctx, "deactivate", userID, map[string]any{"status": StatusInactive})
}

// SetRole changes the role of the account.
func (store *Store) SetRole(ctx context.Context, userID uint64, role Role) (*User, error) {
	if role != RoleUser && role != RoleAdmin {
		return nil, fmt.Errorf("user_store.set_role: %w", ErrInvalidRole)
	}
	return store.update(ctx, "set_role", userID, map[string]any{"role": role})
}

func (store *Store) update(ctx context.Context, operation string, userID uint64, columns map[string]any) (*User, error) {
	columns["updated_at"] = time.Now().UTC()
	result := store.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(columns)
	if result.Error != nil {
		return nil, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
	}
	return store.FindByID(ctx, userID)
}
