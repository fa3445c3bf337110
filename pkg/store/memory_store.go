package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"smartwarehouse/pkg/domain"
)

// MemoryStore is an in-memory Store for tests and local runs (single instance only).
// SKUs are reserved before images are placed, the way a unique index would
// block a concurrent insert.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	warehouses map[int64]domain.Warehouse
	users      map[int64]domain.User
	categories []domain.Category
	products   map[int64]domain.Product
	variants   map[int64]domain.ProductVariant
	images     []domain.ProductImage
	skus       map[string]struct{}
	audit      []domain.AuditEntry
}

// NewMemoryStore builds an empty store with the default categories.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		warehouses: make(map[int64]domain.Warehouse),
		users:      make(map[int64]domain.User),
		products:   make(map[int64]domain.Product),
		variants:   make(map[int64]domain.ProductVariant),
		skus:       make(map[string]struct{}),
	}
	for _, name := range categorySeed {
		s.categories = append(s.categories, domain.Category{ID: s.id(), Name: name})
	}
	return s
}

// id must be called with mu held.
func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) RegisterWarehouse(_ context.Context, reg Registration) (domain.Warehouse, domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nameTaken, emailTaken := s.warehouseTakenLocked(reg.Warehouse.Name, reg.Warehouse.Email)
	if nameTaken || emailTaken || s.userEmailTakenLocked(reg.Admin.Email) {
		return domain.Warehouse{}, domain.User{}, ErrDuplicateWarehouse
	}
	now := time.Now().UTC()
	w := reg.Warehouse
	w.ID = s.id()
	if w.Status == "" {
		w.Status = domain.StatusActive
	}
	w.CreatedAt, w.UpdatedAt = now, now

	username, err := freeUsername(reg.Username(w.ID), func(name string) (bool, error) {
		for _, u := range s.users {
			if u.Username == name {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return domain.Warehouse{}, domain.User{}, err
	}
	u := reg.Admin
	u.ID = s.id()
	u.Username = username
	u.WarehouseID = w.ID
	if u.Status == "" {
		u.Status = domain.StatusActive
	}
	u.CreatedAt, u.UpdatedAt = now, now

	s.warehouses[w.ID] = w
	s.users[u.ID] = u
	return w, u, nil
}

func (s *MemoryStore) WarehouseTaken(_ context.Context, name, email string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nameTaken, emailTaken := s.warehouseTakenLocked(name, email)
	return nameTaken, emailTaken || s.userEmailTakenLocked(email), nil
}

func (s *MemoryStore) warehouseTakenLocked(name, email string) (bool, bool) {
	var nameTaken, emailTaken bool
	for _, w := range s.warehouses {
		nameTaken = nameTaken || w.Name == name
		emailTaken = emailTaken || w.Email == email
	}
	return nameTaken, emailTaken
}

func (s *MemoryStore) userEmailTakenLocked(email string) bool {
	for _, u := range s.users {
		if u.Email == email {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetWarehouse(_ context.Context, id int64) (domain.Warehouse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warehouses[id]
	return w, ok, nil
}

func (s *MemoryStore) GetUserByLogin(_ context.Context, login string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sortedKeys(s.users) {
		u := s.users[id]
		if u.Username == login || u.Email == login {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id int64) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) SetUserStatus(_ context.Context, id int64, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return nil
}

func (s *MemoryStore) TouchLastLogin(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	at = at.UTC()
	u.LastLogin = &at
	s.users[id] = u
	return nil
}

func (s *MemoryStore) ListCategories(context.Context) ([]domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Category(nil), s.categories...), nil
}

func (s *MemoryStore) GetCategory(_ context.Context, id int64) (domain.Category, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.ID == id {
			return c, true, nil
		}
	}
	return domain.Category{}, false, nil
}

func (s *MemoryStore) FindCategoryByName(_ context.Context, name string) (domain.Category, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.Name == name {
			return c, true, nil
		}
	}
	return domain.Category{}, false, nil
}

func (s *MemoryStore) FindDuplicateCandidate(_ context.Context, name string) (domain.DuplicateMatch, bool, error) {
	if name == "" {
		return domain.DuplicateMatch{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range sortedKeys(s.products) {
		p := s.products[pid]
		if !strings.Contains(p.Name, name) {
			continue
		}
		match := domain.DuplicateMatch{ProductID: p.ID, Name: p.Name}
		for _, vid := range sortedKeys(s.variants) {
			v := s.variants[vid]
			if v.ProductID != p.ID {
				continue
			}
			id := v.ID
			match.VariantID = &id
			match.SKU, match.Color, match.Size = v.SKU, v.Color, v.Size
			break
		}
		match.Image = s.primaryImageLocked(p.ID)
		return match, true, nil
	}
	return domain.DuplicateMatch{}, false, nil
}

// primaryImageLocked mirrors ORDER BY is_primary DESC, id ASC.
func (s *MemoryStore) primaryImageLocked(productID int64) string {
	first := ""
	for _, img := range s.images {
		if img.ProductID != productID {
			continue
		}
		if img.IsPrimary {
			return img.FilePath
		}
		if first == "" {
			first = img.FilePath
		}
	}
	return first
}

func (s *MemoryStore) CreateProduct(ctx context.Context, in ProductIntake, place PlaceFunc) (domain.Product, domain.ProductVariant, error) {
	s.mu.Lock()
	if _, taken := s.skus[in.Variant.SKU]; taken {
		s.mu.Unlock()
		return domain.Product{}, domain.ProductVariant{}, ErrDuplicateSKU
	}
	s.skus[in.Variant.SKU] = struct{}{}
	productID, variantID := s.id(), s.id()
	s.mu.Unlock()

	paths, err := place(ctx, productID)
	if err != nil {
		s.mu.Lock()
		delete(s.skus, in.Variant.SKU)
		s.mu.Unlock()
		return domain.Product{}, domain.ProductVariant{}, fmt.Errorf("place images: %w", err)
	}

	now := time.Now().UTC()
	p := in.Product
	p.ID = productID
	p.CreatedAt = now
	if p.Tags == nil {
		p.Tags = []string{}
	}
	v := in.Variant
	v.ID = variantID
	v.ProductID = productID
	v.CreatedAt, v.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	s.variants[v.ID] = v
	for i, path := range paths {
		vid := v.ID
		s.images = append(s.images, domain.ProductImage{
			ID:        s.id(),
			ProductID: p.ID,
			VariantID: &vid,
			FilePath:  path,
			IsPrimary: i == 0,
			CreatedAt: now,
		})
	}
	entry := in.Audit
	entry.ID = s.id()
	entry.RecordID = &p.ID
	entry.CreatedAt = now
	s.audit = append(s.audit, entry)
	return p, v, nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id int64) (domain.ProductDetail, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return domain.ProductDetail{}, false, nil
	}
	detail := domain.ProductDetail{Product: p, Variants: []domain.ProductVariant{}, Images: []domain.ProductImage{}}
	for _, vid := range sortedKeys(s.variants) {
		if v := s.variants[vid]; v.ProductID == id {
			detail.Variants = append(detail.Variants, v)
		}
	}
	for _, img := range s.images {
		if img.ProductID == id {
			detail.Images = append(detail.Images, img)
		}
	}
	sort.SliceStable(detail.Images, func(i, j int) bool {
		return detail.Images[i].IsPrimary && !detail.Images[j].IsPrimary
	})
	return detail, true, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.id()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

// AuditLog returns a copy of every entry written so far.
func (s *MemoryStore) AuditLog() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.audit...)
}

// Counts reports stored products, variants and images.
func (s *MemoryStore) Counts() (products, variants, images int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products), len(s.variants), len(s.images)
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

