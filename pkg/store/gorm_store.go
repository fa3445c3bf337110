package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"smartwarehouse/pkg/domain"
)

const migrateLockID int64 = 73217321

// maxUsernameAttempts bounds the numeric suffix search for a free username.
const maxUsernameAttempts = 1000

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB, runs auto-migrations and seeds categories.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&WarehouseModel{},
		&UserModel{},
		&CategoryModel{},
		&ProductModel{},
		&ProductVariantModel{},
		&ProductImageModel{},
		&AuditLogModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'users'
				AND constraint_name = 'users_warehouse_id_fkey'
			) THEN
				ALTER TABLE users
				ADD CONSTRAINT users_warehouse_id_fkey
				FOREIGN KEY (warehouse_id) REFERENCES warehouses(id);
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'product_variants'
				AND constraint_name = 'product_variants_product_id_fkey'
			) THEN
				ALTER TABLE product_variants
				ADD CONSTRAINT product_variants_product_id_fkey
				FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'product_images'
				AND constraint_name = 'product_images_product_id_fkey'
			) THEN
				ALTER TABLE product_images
				ADD CONSTRAINT product_images_product_id_fkey
				FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'products'
				AND constraint_name = 'products_category_id_fkey'
			) THEN
				ALTER TABLE products
				ADD CONSTRAINT products_category_id_fkey
				FOREIGN KEY (category_id) REFERENCES categories(id) ON DELETE SET NULL;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure foreign keys: %w", err)
	}
	seed := make([]CategoryModel, 0, len(categorySeed))
	for _, name := range categorySeed {
		seed = append(seed, CategoryModel{Name: name})
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return fmt.Errorf("seed categories: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// RegisterWarehouse inserts the warehouse and its admin in one transaction.
func (s *GormStore) RegisterWarehouse(ctx context.Context, reg Registration) (domain.Warehouse, domain.User, error) {
	wm := warehouseToModel(reg.Warehouse)
	um := userToModel(reg.Admin)
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wm.CreatedAt, wm.UpdatedAt = now, now
		if err := tx.Create(&wm).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateWarehouse
			}
			return fmt.Errorf("insert warehouse: %w", err)
		}
		username, err := freeUsername(reg.Username(wm.ID), func(name string) (bool, error) {
			var count int64
			err := tx.Model(&UserModel{}).Where("username = ?", name).Count(&count).Error
			return count > 0, err
		})
		if err != nil {
			return err
		}
		um.Username = username
		um.WarehouseID = wm.ID
		um.CreatedAt, um.UpdatedAt = now, now
		if err := tx.Create(&um).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateWarehouse
			}
			return fmt.Errorf("insert admin user: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Warehouse{}, domain.User{}, err
	}
	return warehouseFromModel(wm), userFromModel(um), nil
}

// freeUsername appends 1, 2, ... to base until taken reports false.
func freeUsername(base string, taken func(string) (bool, error)) (string, error) {
	name := base
	for i := 1; i <= maxUsernameAttempts; i++ {
		exists, err := taken(name)
		if err != nil {
			return "", fmt.Errorf("check username: %w", err)
		}
		if !exists {
			return name, nil
		}
		name = base + strconv.Itoa(i)
	}
	return "", fmt.Errorf("no free username for %q", base)
}

// WarehouseTaken reports whether the name or email is already registered.
// Emails are checked against warehouses and users alike.
func (s *GormStore) WarehouseTaken(ctx context.Context, name, email string) (bool, bool, error) {
	db := s.db.WithContext(ctx)
	var names, emails, userEmails int64
	if err := db.Model(&WarehouseModel{}).Where("name = ?", name).Count(&names).Error; err != nil {
		return false, false, err
	}
	if err := db.Model(&WarehouseModel{}).Where("email = ?", email).Count(&emails).Error; err != nil {
		return false, false, err
	}
	if err := db.Model(&UserModel{}).Where("email = ?", email).Count(&userEmails).Error; err != nil {
		return false, false, err
	}
	return names > 0, emails+userEmails > 0, nil
}

// GetWarehouse returns a warehouse by ID.
func (s *GormStore) GetWarehouse(ctx context.Context, id int64) (domain.Warehouse, bool, error) {
	var model WarehouseModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Warehouse{}, false, nil
		}
		return domain.Warehouse{}, false, err
	}
	return warehouseFromModel(model), true, nil
}

// GetUserByLogin looks a user up by username or email.
func (s *GormStore) GetUserByLogin(ctx context.Context, login string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ? OR email = ?", login, login).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserStatus activates or deactivates a user.
func (s *GormStore) SetUserStatus(ctx context.Context, id int64, status domain.Status) error {
	return s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// TouchLastLogin records a successful login.
func (s *GormStore) TouchLastLogin(ctx context.Context, id int64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", id).
		Update("last_login", at.UTC()).Error
}

// ListCategories returns all categories ordered by id.
func (s *GormStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var models []CategoryModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Category, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Category{ID: m.ID, Name: m.Name})
	}
	return res, nil
}

// GetCategory returns a category by ID.
func (s *GormStore) GetCategory(ctx context.Context, id int64) (domain.Category, bool, error) {
	return s.findCategory(ctx, "id = ?", id)
}

// FindCategoryByName matches the category name exactly.
func (s *GormStore) FindCategoryByName(ctx context.Context, name string) (domain.Category, bool, error) {
	return s.findCategory(ctx, "name = ?", name)
}

func (s *GormStore) findCategory(ctx context.Context, query string, arg any) (domain.Category, bool, error) {
	var model CategoryModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Category{}, false, nil
		}
		return domain.Category{}, false, err
	}
	return domain.Category{ID: model.ID, Name: model.Name}, true, nil
}

type duplicateRow struct {
	ProductID int64
	Name      string
	VariantID *int64
	SKU       *string `gorm:"column:sku"`
	Color     *string
	Size      *string
}

// FindDuplicateCandidate returns the first product whose name contains name
// (case-sensitive), with its first variant and its primary or first image.
func (s *GormStore) FindDuplicateCandidate(ctx context.Context, name string) (domain.DuplicateMatch, bool, error) {
	if name == "" {
		return domain.DuplicateMatch{}, false, nil
	}
	db := s.db.WithContext(ctx)
	var row duplicateRow
	res := db.Table("products AS p").
		Select("p.id AS product_id, p.name, v.id AS variant_id, v.sku, v.color, v.size").
		Joins("LEFT JOIN product_variants AS v ON v.product_id = p.id").
		Where(`p.name LIKE ? ESCAPE '\'`, "%"+escapeLike(name)+"%").
		Order("p.id ASC, v.id ASC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return domain.DuplicateMatch{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.DuplicateMatch{}, false, nil
	}
	match := domain.DuplicateMatch{
		ProductID: row.ProductID,
		Name:      row.Name,
		VariantID: row.VariantID,
		SKU:       deref(row.SKU),
		Color:     deref(row.Color),
		Size:      deref(row.Size),
	}
	var paths []string
	if err := db.Model(&ProductImageModel{}).
		Where("product_id = ?", row.ProductID).
		Order("is_primary DESC, id ASC").
		Limit(1).
		Pluck("file_path", &paths).Error; err != nil {
		return domain.DuplicateMatch{}, false, err
	}
	if len(paths) > 0 {
		match.Image = paths[0]
	}
	return match, true, nil
}

// CreateProduct writes product, variant, image rows and the audit entry in
// one transaction. place runs after the variant insert so a SKU collision
// never touches the filesystem.
func (s *GormStore) CreateProduct(ctx context.Context, in ProductIntake, place PlaceFunc) (domain.Product, domain.ProductVariant, error) {
	product, err := productToModel(in.Product)
	if err != nil {
		return domain.Product{}, domain.ProductVariant{}, err
	}
	variant := variantToModel(in.Variant)
	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product.CreatedAt = now
		if err := tx.Create(&product).Error; err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		variant.ProductID = product.ID
		variant.CreatedAt, variant.UpdatedAt = now, now
		if err := tx.Create(&variant).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateSKU
			}
			return fmt.Errorf("insert variant: %w", err)
		}
		paths, err := place(ctx, product.ID)
		if err != nil {
			return fmt.Errorf("place images: %w", err)
		}
		images := make([]ProductImageModel, 0, len(paths))
		for i, p := range paths {
			images = append(images, ProductImageModel{
				ProductID: product.ID,
				VariantID: &variant.ID,
				FilePath:  p,
				IsPrimary: i == 0,
				CreatedAt: now,
			})
		}
		if len(images) > 0 {
			if err := tx.Create(&images).Error; err != nil {
				return fmt.Errorf("insert images: %w", err)
			}
		}
		entry := in.Audit
		entry.RecordID = &product.ID
		entry.CreatedAt = now
		audit, err := auditToModel(entry)
		if err != nil {
			return err
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Product{}, domain.ProductVariant{}, err
	}
	return productFromModel(product), variantFromModel(variant), nil
}

// GetProduct loads a product with its variants and images.
func (s *GormStore) GetProduct(ctx context.Context, id int64) (domain.ProductDetail, bool, error) {
	db := s.db.WithContext(ctx)
	var model ProductModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ProductDetail{}, false, nil
		}
		return domain.ProductDetail{}, false, err
	}
	var variants []ProductVariantModel
	if err := db.Where("product_id = ?", id).Order("id ASC").Find(&variants).Error; err != nil {
		return domain.ProductDetail{}, false, err
	}
	var images []ProductImageModel
	if err := db.Where("product_id = ?", id).Order("is_primary DESC, id ASC").Find(&images).Error; err != nil {
		return domain.ProductDetail{}, false, err
	}
	detail := domain.ProductDetail{
		Product:  productFromModel(model),
		Variants: make([]domain.ProductVariant, 0, len(variants)),
		Images:   make([]domain.ProductImage, 0, len(images)),
	}
	for _, v := range variants {
		detail.Variants = append(detail.Variants, variantFromModel(v))
	}
	for _, img := range images {
		detail.Images = append(detail.Images, imageFromModel(img))
	}
	return detail, true, nil
}

// AppendAudit writes a standalone audit entry.
func (s *GormStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	model, err := auditToModel(entry)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// escapeLike escapes LIKE wildcards so the candidate matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func warehouseToModel(w domain.Warehouse) WarehouseModel {
	status := string(w.Status)
	if status == "" {
		status = string(domain.StatusActive)
	}
	return WarehouseModel{
		ID:          w.ID,
		Name:        w.Name,
		Address:     w.Address,
		Phone:       w.Phone,
		Email:       w.Email,
		ManagerName: w.ManagerName,
		Status:      status,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func warehouseFromModel(m WarehouseModel) domain.Warehouse {
	return domain.Warehouse{
		ID:          m.ID,
		Name:        m.Name,
		Address:     m.Address,
		Phone:       m.Phone,
		Email:       m.Email,
		ManagerName: m.ManagerName,
		Status:      domain.Status(m.Status),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func userToModel(u domain.User) UserModel {
	status := string(u.Status)
	if status == "" {
		status = string(domain.StatusActive)
	}
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		FullName:     u.FullName,
		Email:        u.Email,
		Phone:        u.Phone,
		Role:         string(u.Role),
		WarehouseID:  u.WarehouseID,
		Status:       status,
		LastLogin:    u.LastLogin,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.Status(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		FullName:     m.FullName,
		Email:        m.Email,
		Phone:        m.Phone,
		Role:         domain.UserRole(m.Role),
		WarehouseID:  m.WarehouseID,
		Status:       status,
		LastLogin:    m.LastLogin,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func productToModel(p domain.Product) (ProductModel, error) {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return ProductModel{}, fmt.Errorf("encode tags: %w", err)
	}
	return ProductModel{
		ID:          p.ID,
		CategoryID:  p.CategoryID,
		Name:        p.Name,
		Description: p.Description,
		Tags:        datatypes.JSON(raw),
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt,
	}, nil
}

func productFromModel(m ProductModel) domain.Product {
	tags := []string{}
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	return domain.Product{
		ID:          m.ID,
		CategoryID:  m.CategoryID,
		Name:        m.Name,
		Description: m.Description,
		Tags:        tags,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
	}
}

func variantToModel(v domain.ProductVariant) ProductVariantModel {
	return ProductVariantModel{
		ID:            v.ID,
		ProductID:     v.ProductID,
		SKU:           v.SKU,
		Color:         v.Color,
		Size:          v.Size,
		Price:         v.Price,
		MinStockLevel: v.MinStockLevel,
		CreatedAt:     v.CreatedAt,
		UpdatedAt:     v.UpdatedAt,
	}
}

func variantFromModel(m ProductVariantModel) domain.ProductVariant {
	return domain.ProductVariant{
		ID:            m.ID,
		ProductID:     m.ProductID,
		SKU:           m.SKU,
		Color:         m.Color,
		Size:          m.Size,
		Price:         m.Price,
		MinStockLevel: m.MinStockLevel,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func imageFromModel(m ProductImageModel) domain.ProductImage {
	return domain.ProductImage{
		ID:        m.ID,
		ProductID: m.ProductID,
		VariantID: m.VariantID,
		FilePath:  m.FilePath,
		IsPrimary: m.IsPrimary,
		CreatedAt: m.CreatedAt,
	}
}

func auditToModel(e domain.AuditEntry) (AuditLogModel, error) {
	oldValues, err := jsonColumn(e.OldValues)
	if err != nil {
		return AuditLogModel{}, fmt.Errorf("encode old values: %w", err)
	}
	newValues, err := jsonColumn(e.NewValues)
	if err != nil {
		return AuditLogModel{}, fmt.Errorf("encode new values: %w", err)
	}
	return AuditLogModel{
		ID:        e.ID,
		UserID:    e.UserID,
		Action:    e.Action,
		Target:    e.TableName,
		RecordID:  e.RecordID,
		OldValues: oldValues,
		NewValues: newValues,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		CreatedAt: e.CreatedAt,
	}, nil
}

// jsonColumn encodes a map for a jsonb column; nil stays SQL NULL.
func jsonColumn(v map[string]any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
