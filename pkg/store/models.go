package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type WarehouseModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"uniqueIndex;not null"`
	Address     string `gorm:"not null"`
	Phone       string `gorm:"not null"`
	Email       string `gorm:"uniqueIndex;not null"`
	ManagerName string
	Status      string    `gorm:"not null;default:active"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

func (WarehouseModel) TableName() string { return "warehouses" }

type UserModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	FullName     string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	Phone        string
	Role         string `gorm:"not null"`
	WarehouseID  int64  `gorm:"not null;index"`
	Status       string `gorm:"not null;default:active"`
	LastLogin    *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type CategoryModel struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex;not null"`
}

func (CategoryModel) TableName() string { return "categories" }

type ProductModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	CategoryID  *int64 `gorm:"index"`
	Name        string `gorm:"not null;index"`
	Description string
	Tags        datatypes.JSON `gorm:"type:jsonb"`
	CreatedBy   int64
	CreatedAt   time.Time `gorm:"not null"`
}

func (ProductModel) TableName() string { return "products" }

type ProductVariantModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	ProductID     int64  `gorm:"not null;index"`
	SKU           string `gorm:"column:sku;uniqueIndex;not null"`
	Color         string
	Size          string
	Price         decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	MinStockLevel int             `gorm:"not null;default:0"`
	CreatedAt     time.Time       `gorm:"not null"`
	UpdatedAt     time.Time
}

func (ProductVariantModel) TableName() string { return "product_variants" }

type ProductImageModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	ProductID int64     `gorm:"not null;index"`
	VariantID *int64    `gorm:"index"`
	FilePath  string    `gorm:"not null"`
	IsPrimary bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ProductImageModel) TableName() string { return "product_images" }

type AuditLogModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	UserID    *int64 `gorm:"index"`
	Action    string `gorm:"not null;index"`
	Target    string `gorm:"column:table_name"`
	RecordID  *int64
	OldValues datatypes.JSON `gorm:"type:jsonb"`
	NewValues datatypes.JSON `gorm:"type:jsonb"`
	IPAddress string
	UserAgent string
	CreatedAt time.Time `gorm:"not null;index"`
}

func (AuditLogModel) TableName() string { return "audit_logs" }
