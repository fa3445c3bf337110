package store

import (
	"context"
	"errors"
	"time"

	"smartwarehouse/pkg/domain"
)

var (
	// ErrDuplicateSKU is returned when a variant SKU already exists.
	ErrDuplicateSKU = errors.New("sku already exists")
	// ErrDuplicateWarehouse is returned when a warehouse name or email is taken.
	ErrDuplicateWarehouse = errors.New("warehouse already exists")
	// ErrInvalidSession indicates an unknown, expired or revoked session.
	ErrInvalidSession = errors.New("invalid session")
)

// Registration creates a warehouse and its first admin. Username is called
// with the new warehouse id; collisions get a numeric suffix.
type Registration struct {
	Warehouse domain.Warehouse
	Admin     domain.User
	Username  func(warehouseID int64) string
}

// ProductIntake is everything one intake transaction writes.
type ProductIntake struct {
	Product domain.Product
	Variant domain.ProductVariant
	Audit   domain.AuditEntry
}

// PlaceFunc moves staged images into permanent storage for productID and
// returns their web paths in order. It runs inside the transaction; an error
// rolls everything back.
type PlaceFunc func(ctx context.Context, productID int64) ([]string, error)

// Store defines persistence for warehouses, users, the catalog and the audit log.
type Store interface {
	// warehouses and users
	RegisterWarehouse(ctx context.Context, reg Registration) (domain.Warehouse, domain.User, error)
	WarehouseTaken(ctx context.Context, name, email string) (nameTaken, emailTaken bool, err error)
	GetWarehouse(ctx context.Context, id int64) (domain.Warehouse, bool, error)
	GetUserByLogin(ctx context.Context, login string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id int64) (domain.User, bool, error)
	SetUserStatus(ctx context.Context, id int64, status domain.Status) error
	TouchLastLogin(ctx context.Context, id int64, at time.Time) error

	// catalog
	ListCategories(ctx context.Context) ([]domain.Category, error)
	GetCategory(ctx context.Context, id int64) (domain.Category, bool, error)
	FindCategoryByName(ctx context.Context, name string) (domain.Category, bool, error)
	FindDuplicateCandidate(ctx context.Context, name string) (domain.DuplicateMatch, bool, error)
	CreateProduct(ctx context.Context, in ProductIntake, place PlaceFunc) (domain.Product, domain.ProductVariant, error)
	GetProduct(ctx context.Context, id int64) (domain.ProductDetail, bool, error)

	// audit
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Session is the server-side state behind an opaque session token.
type Session struct {
	Token         string    `json:"-"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username"`
	FullName      string    `json:"full_name"`
	Role          string    `json:"role"`
	WarehouseID   int64     `json:"warehouse_id"`
	WarehouseName string    `json:"warehouse_name"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// SessionStore issues and validates sessions.
type SessionStore interface {
	NewSession(ctx context.Context, userID int64) (Session, error)
	// ValidateByToken loads the session and re-checks the user via ValidateByID.
	ValidateByToken(ctx context.Context, token string) (Session, error)
	// ValidateByID builds session data for an existing, active user.
	ValidateByID(ctx context.Context, userID int64) (Session, error)
	DeleteSession(ctx context.Context, token string) error
	RevokeUserSessions(ctx context.Context, userID int64) error
}

// categorySeed is inserted on migrate; it matches the zero-shot label set.
var categorySeed = []string{
	"Giày thể thao", "Giày boot", "Sandal", "Dép",
	"Giày cao gót", "Giày búp bê", "Giày lười", "Giày tây",
}

// sessionFromUser fills the user and warehouse part of a session.
func sessionFromUser(u domain.User, w domain.Warehouse) Session {
	return Session{
		UserID:        u.ID,
		Username:      u.Username,
		FullName:      u.FullName,
		Role:          string(u.Role),
		WarehouseID:   u.WarehouseID,
		WarehouseName: w.Name,
	}
}

var (
	_ Store        = (*GormStore)(nil)
	_ Store        = (*MemoryStore)(nil)
	_ SessionStore = (*RedisSessionStore)(nil)
	_ TokenRevoker = (*MemoryTokenRevoker)(nil)
	_ TokenRevoker = (*RedisTokenRevoker)(nil)
)
