package repository

import (
	"context"

	"github.com/timmy/sqpsync/internal/domain"
	"gorm.io/gorm"
)

// UserDatabaseRepository reads the root store's tenant mapping.
type UserDatabaseRepository struct {
	db *gorm.DB
}

// NewUserDatabaseRepository creates a new UserDatabaseRepository bound to the root store.
func NewUserDatabaseRepository(db *gorm.DB) *UserDatabaseRepository {
	return &UserDatabaseRepository{db: db}
}

// GetByUserID returns the active mapping of a tenant.
func (r *UserDatabaseRepository) GetByUserID(ctx context.Context, userID uint) (*domain.UserDatabase, error) {
	var m domain.UserDatabase
	if err := r.db.WithContext(ctx).Where("user_id = ? AND is_active = ?", userID, true).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// Save creates or replaces a mapping.
func (r *UserDatabaseRepository) Save(ctx context.Context, m *domain.UserDatabase) error {
	return r.db.WithContext(ctx).Save(m).Error
}

// SellerRepository reads seller reference rows.
type SellerRepository struct {
	db *gorm.DB
}

// NewSellerRepository creates a new SellerRepository.
func NewSellerRepository(db *gorm.DB) *SellerRepository {
	return &SellerRepository{db: db}
}

// GetByID returns a seller.
func (r *SellerRepository) GetByID(ctx context.Context, id uint) (*domain.Seller, error) {
	var s domain.Seller
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActive returns every active seller.
func (r *SellerRepository) ListActive(ctx context.Context) ([]domain.Seller, error) {
	var sellers []domain.Seller
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&sellers).Error; err != nil {
		return nil, err
	}
	return sellers, nil
}
