package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"smartwarehouse/pkg/auth"
	"smartwarehouse/pkg/domain"
	"smartwarehouse/pkg/images"
	"smartwarehouse/pkg/notify"
	"smartwarehouse/pkg/queue"
	"smartwarehouse/pkg/storage"
	"smartwarehouse/pkg/store"
	"smartwarehouse/pkg/suggest"
)

var phonePattern = regexp.MustCompile(`^[0-9]{10,11}$`)

// Suggester produces the prefilled product form for staged images.
type Suggester interface {
	Suggest(ctx context.Context, paths []string) (suggest.Result, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Sessions    store.SessionStore
	Remember    *store.RememberTokens
	Staging     *storage.Staging
	Images      storage.ImageStore
	Suggester   Suggester
	Validator   images.Validator
	Normalizer  images.Normalizer
	Mailer      *notify.Mailer
	// Jobs carries welcome mail when set.
	Jobs JobQueue
	// LoginURL is linked from the welcome mail.
	LoginURL string
}

// JobWelcomeMail is the job kind for the account-created mail.
const JobWelcomeMail = "welcome_mail"

// JobQueue accepts background jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload any) (queue.Job, error)
}

// App is the core application service wiring together storage, sessions and
// the product intake workflow.
type App struct {
	store      store.Store
	sessions   store.SessionStore
	remember   *store.RememberTokens
	staging    *storage.Staging
	images     storage.ImageStore
	suggester  Suggester
	validator  images.Validator
	normalizer images.Normalizer
	mailer     *notify.Mailer
	jobs       JobQueue
	loginURL   string
	now        func() time.Time
}

// New constructs the application. Store falls back to Postgres when only a
// database URL is given.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.Staging == nil || cfg.Images == nil {
		return nil, errors.New("staging area and image store required")
	}
	suggester := cfg.Suggester
	if suggester == nil {
		suggester = suggest.NewPipeline(dataStore, dataStore)
	}
	return &App{
		store:      dataStore,
		sessions:   cfg.Sessions,
		remember:   cfg.Remember,
		staging:    cfg.Staging,
		images:     cfg.Images,
		suggester:  suggester,
		validator:  cfg.Validator,
		normalizer: cfg.Normalizer,
		mailer:     cfg.Mailer,
		jobs:       cfg.Jobs,
		loginURL:   cfg.LoginURL,
		now:        time.Now,
	}, nil
}

// RequestMeta is recorded with audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// RegisterInput is the warehouse self-registration form.
type RegisterInput struct {
	WarehouseName   string `json:"warehouse_name"`
	Address         string `json:"address"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	FullName        string `json:"full_name"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Register creates a warehouse with its first admin account.
func (a *App) Register(ctx context.Context, in RegisterInput, meta RequestMeta) (domain.Warehouse, domain.User, error) {
	in.WarehouseName = strings.TrimSpace(in.WarehouseName)
	in.Address = strings.TrimSpace(in.Address)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)

	var errs FieldErrors
	required := []struct{ field, value, label string }{
		{"warehouse_name", in.WarehouseName, "warehouse name"},
		{"address", in.Address, "address"},
		{"phone", in.Phone, "phone"},
		{"email", in.Email, "email"},
		{"full_name", in.FullName, "manager name"},
		{"password", in.Password, "password"},
	}
	for _, r := range required {
		if r.value == "" {
			errs.add(r.field, r.label+" is required")
		}
	}
	if in.Phone != "" && !phonePattern.MatchString(in.Phone) {
		errs.add("phone", "phone must be 10 or 11 digits")
	}
	if in.Email != "" {
		if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
			errs.add("email", "email is not valid")
		}
	}
	if in.Password != "" {
		if err := auth.ValidatePassword(in.Password); err != nil {
			errs.add("password", err.Error())
		}
		if in.Password != in.ConfirmPassword {
			errs.add("confirm_password", "passwords do not match")
		}
	}
	if len(errs) == 0 {
		nameTaken, emailTaken, err := a.store.WarehouseTaken(ctx, in.WarehouseName, in.Email)
		if err != nil {
			return domain.Warehouse{}, domain.User{}, fmt.Errorf("check warehouse: %w", err)
		}
		if nameTaken {
			errs.add("warehouse_name", "warehouse name already registered")
		}
		if emailTaken {
			errs.add("email", "email already registered")
		}
	}
	if err := errs.orNil(); err != nil {
		return domain.Warehouse{}, domain.User{}, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.Warehouse{}, domain.User{}, err
	}
	warehouse, admin, err := a.store.RegisterWarehouse(ctx, store.Registration{
		Warehouse: domain.Warehouse{
			Name:        in.WarehouseName,
			Address:     in.Address,
			Phone:       in.Phone,
			Email:       in.Email,
			ManagerName: in.FullName,
			Status:      domain.StatusActive,
		},
		Admin: domain.User{
			PasswordHash: hash,
			FullName:     in.FullName,
			Email:        in.Email,
			Phone:        in.Phone,
			Role:         domain.RoleAdmin,
			Status:       domain.StatusActive,
		},
		Username: func(id int64) string {
			return auth.Username(in.FullName, in.WarehouseName, id)
		},
	})
	if errors.Is(err, store.ErrDuplicateWarehouse) {
		return domain.Warehouse{}, domain.User{}, ErrWarehouseExists
	}
	if err != nil {
		return domain.Warehouse{}, domain.User{}, fmt.Errorf("register warehouse: %w", err)
	}

	a.writeAudit(ctx, domain.AuditEntry{
		UserID:    &admin.ID,
		Action:    "account_registration",
		TableName: "users",
		RecordID:  &admin.ID,
		NewValues: map[string]any{
			"username":     admin.Username,
			"warehouse_id": warehouse.ID,
			"role":         string(admin.Role),
		},
	}, meta)
	a.sendWelcome(ctx, warehouse, admin)
	return warehouse, admin, nil
}

// sendWelcome queues the welcome mail, or sends it in the background when
// no job queue is configured. Failures never fail the registration.
func (a *App) sendWelcome(ctx context.Context, warehouse domain.Warehouse, admin domain.User) {
	if !a.mailer.Enabled() {
		return
	}
	msg := notify.Welcome{
		To:            admin.Email,
		Name:          admin.FullName,
		Username:      admin.Username,
		WarehouseName: warehouse.Name,
		LoginURL:      a.loginURL,
	}
	if a.jobs != nil {
		job, err := a.jobs.Enqueue(context.WithoutCancel(ctx), JobWelcomeMail, msg)
		if err == nil {
			slog.Info("welcome_mail_queued", "user_id", admin.ID, "job_id", job.ID)
			return
		}
		slog.Warn("welcome_mail_enqueue_failed", "user_id", admin.ID, "err", err)
	}
	go func() {
		if err := a.mailer.SendWelcome(context.Background(), msg); err != nil {
			slog.Warn("welcome_mail_failed", "user_id", admin.ID, "err", err)
		}
	}()
}

// HandleJob runs a background job taken from the queue.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case JobWelcomeMail:
		var msg notify.Welcome
		if err := job.Decode(&msg); err != nil {
			return err
		}
		return a.mailer.SendWelcome(ctx, msg)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// LoginResult is a fresh session plus an optional remember-me token.
type LoginResult struct {
	Session         store.Session
	User            domain.User
	RememberToken   string
	RememberExpires time.Time
}

// Login authenticates by username or email.
func (a *App) Login(ctx context.Context, login, password string, remember bool) (LoginResult, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return LoginResult{}, ErrLoginAndPasswordRequired
	}
	user, ok, err := a.store.GetUserByLogin(ctx, login)
	if err != nil {
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !user.Active() {
		return LoginResult{}, ErrUserDisabled
	}
	if err := a.store.TouchLastLogin(ctx, user.ID, a.now().UTC()); err != nil {
		slog.Warn("touch_last_login_failed", "user_id", user.ID, "err", err)
	}
	sess, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}
	res := LoginResult{Session: sess, User: user}
	if remember && a.remember != nil {
		token, expires, err := a.remember.Issue(user.ID)
		if err != nil {
			return LoginResult{}, fmt.Errorf("issue remember token: %w", err)
		}
		res.RememberToken, res.RememberExpires = token, expires
	}
	return res, nil
}

// Authenticate resolves a session token.
func (a *App) Authenticate(ctx context.Context, token string) (store.Session, error) {
	return a.sessions.ValidateByToken(ctx, token)
}

// ResumeSession opens a new session from a remember-me token.
func (a *App) ResumeSession(ctx context.Context, rememberToken string) (store.Session, error) {
	if a.remember == nil || rememberToken == "" {
		return store.Session{}, store.ErrInvalidSession
	}
	userID, err := a.remember.Verify(ctx, rememberToken)
	if err != nil {
		return store.Session{}, store.ErrInvalidSession
	}
	return a.sessions.NewSession(ctx, userID)
}

// Logout ends the session and revokes the remember-me token, if any.
func (a *App) Logout(ctx context.Context, sessionToken, rememberToken string) error {
	if err := a.sessions.DeleteSession(ctx, sessionToken); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if a.remember != nil && rememberToken != "" {
		err := a.remember.Revoke(ctx, rememberToken)
		if err != nil && !errors.Is(err, store.ErrInvalidRememberToken) {
			return fmt.Errorf("revoke remember token: %w", err)
		}
	}
	return nil
}

// ListCategories returns every category.
func (a *App) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return a.store.ListCategories(ctx)
}

func (a *App) writeAudit(ctx context.Context, entry domain.AuditEntry, meta RequestMeta) {
	entry.IPAddress = meta.IP
	entry.UserAgent = meta.UserAgent
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		slog.Warn("audit_write_failed", "action", entry.Action, "err", err)
	}
}
