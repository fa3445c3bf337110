package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"smartwarehouse/pkg/domain"
	"smartwarehouse/pkg/images"
	"smartwarehouse/pkg/notify"
	"smartwarehouse/pkg/queue"
	"smartwarehouse/pkg/storage"
	"smartwarehouse/pkg/store"
	"smartwarehouse/pkg/suggest"
)

const testPassword = "Kho@Secret2024"

var skuPattern = regexp.MustCompile(`^[A-Z0-9-]+$`)

type testEnv struct {
	app       *App
	store     *store.MemoryStore
	uploadDir string
}

func newTestApp(t *testing.T, opts ...func(*Config)) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewMemoryStore()
	sessions, err := store.NewRedisSessionStore(client, st, time.Hour)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	remember, err := store.NewRememberTokens("0123456789abcdef0123456789abcdef", 0, store.NewRedisTokenRevoker(client))
	if err != nil {
		t.Fatalf("remember tokens: %v", err)
	}
	uploadDir := t.TempDir()
	staging, err := storage.NewStaging(uploadDir)
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	files, err := storage.NewFileStore(uploadDir, "")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	cfg := Config{
		Store:     st,
		Sessions:  sessions,
		Remember:  remember,
		Staging:   staging,
		Images:    files,
		Suggester: suggest.NewPipeline(st, st),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return testEnv{app: a, store: st, uploadDir: uploadDir}
}

func jpegUpload(t *testing.T, name string, w, h int) images.Upload {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 5 {
		for x := 0; x < w; x += 5 {
			img.Set(x, y, color.RGBA{R: 30, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	data := buf.Bytes()
	return images.Upload{
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func validBatch(t *testing.T) []images.Upload {
	return []images.Upload{
		jpegUpload(t, "front-view.jpg", 1000, 1000),
		jpegUpload(t, "side.jpg", 1000, 1000),
	}
}

func registerAdmin(t *testing.T, env testEnv) domain.User {
	t.Helper()
	_, admin, err := env.app.Register(context.Background(), RegisterInput{
		WarehouseName:   "Kho Giày ABC",
		Address:         "12 Lê Lợi, Quận 1",
		Phone:           "0901234567",
		Email:           "abc@example.com",
		FullName:        "Nguyễn Văn An",
		Password:        testPassword,
		ConfirmPassword: testPassword,
	}, RequestMeta{IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return admin
}

func sessionFor(t *testing.T, env testEnv, admin domain.User) store.Session {
	t.Helper()
	res, err := env.app.Login(context.Background(), admin.Username, testPassword, false)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res.Session
}

func TestValidateAndSuggestThenSave(t *testing.T) {
	ctx := context.Background()
	env := newTestApp(t)
	sess := sessionFor(t, env, registerAdmin(t, env))

	out, err := env.app.ValidateAndSuggest(ctx, validBatch(t))
	if err != nil {
		t.Fatalf("validate and suggest: %v", err)
	}
	if out.UploadToken == "" || out.AIError {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !skuPattern.MatchString(out.Data.SKU) {
		t.Fatalf("sku %q does not match %s", out.Data.SKU, skuPattern)
	}
	if len(out.Images) != 2 || filepath.Base(out.Images[0].Path) != "01_front-view.jpg" {
		t.Fatalf("unexpected normalized images: %+v", out.Images)
	}

	product, variant, err := env.app.SaveProduct(ctx, sess, SaveInput{
		Name:        out.Data.Name,
		SKU:         out.Data.SKU,
		Price:       decimal.RequireFromString("450000"),
		Tags:        []string{"shoes", " Shoes ", "", "sport"},
		UploadToken: out.UploadToken,
	}, RequestMeta{IP: "127.0.0.1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("save product: %v", err)
	}
	if product.ID == 0 || variant.ID == 0 || variant.ProductID != product.ID {
		t.Fatalf("unexpected ids: product=%d variant=%d", product.ID, variant.ID)
	}
	if len(product.Tags) != 2 {
		t.Fatalf("expected deduplicated tags, got %v", product.Tags)
	}
	if p, v, i := env.store.Counts(); p != 1 || v != 1 || i != 2 {
		t.Fatalf("unexpected counts: products=%d variants=%d images=%d", p, v, i)
	}
	if _, err := os.Stat(filepath.Join(env.uploadDir, "tmp", out.UploadToken)); !os.IsNotExist(err) {
		t.Fatalf("expected staging removed after commit, got %v", err)
	}

	view, ok, err := env.app.GetProduct(ctx, product.ID)
	if err != nil || !ok {
		t.Fatalf("get product: ok=%v err=%v", ok, err)
	}
	if len(view.Images) != 2 || !view.Images[0].IsPrimary || view.Images[1].IsPrimary {
		t.Fatalf("expected first image primary: %+v", view.Images)
	}
	if view.Images[0].URL == "" || view.Images[0].FilePath == "" {
		t.Fatalf("expected image url and path: %+v", view.Images[0])
	}

	log := env.store.AuditLog()
	last := log[len(log)-1]
	if last.Action != "create_product" || last.RecordID == nil || *last.RecordID != product.ID {
		t.Fatalf("unexpected audit entry: %+v", last)
	}
	if last.NewValues["min_stock_level"] != 0 {
		t.Fatalf("expected min stock level in audit, got %v", last.NewValues)
	}
}

func TestValidateAndSuggestRejectsBatch(t *testing.T) {
	env := newTestApp(t)
	_, err := env.app.ValidateAndSuggest(context.Background(), []images.Upload{
		jpegUpload(t, "only.jpg", 1000, 1000),
	})
	var verr *images.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Violations[0].Code != images.CodeCount {
		t.Fatalf("expected count violation, got %+v", verr.Violations)
	}
	entries, err := os.ReadDir(filepath.Join(env.uploadDir, "tmp"))
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected batch must not open a session, found %d", len(entries))
	}
}

type failingSuggester struct{}

func (failingSuggester) Suggest(context.Context, []string) (suggest.Result, error) {
	return suggest.Result{}, errors.New("duplicate lookup failed")
}

func TestValidateAndSuggestReportsAIError(t *testing.T) {
	env := newTestApp(t, func(c *Config) { c.Suggester = failingSuggester{} })
	out, err := env.app.ValidateAndSuggest(context.Background(), validBatch(t))
	if err != nil {
		t.Fatalf("validate and suggest: %v", err)
	}
	if !out.AIError || out.UploadToken == "" {
		t.Fatalf("expected ai_error with a token, got %+v", out)
	}
	if out.Data.Name != "" || out.Data.SKU != "" || out.Data.Tags == nil {
		t.Fatalf("expected blank data, got %+v", out.Data)
	}
}

func TestSaveProductUnknownTokenWritesNothing(t *testing.T) {
	env := newTestApp(t)
	sess := sessionFor(t, env, registerAdmin(t, env))
	auditBefore := len(env.store.AuditLog())

	_, _, err := env.app.SaveProduct(context.Background(), sess, SaveInput{
		Name:        "Giày thể thao",
		SKU:         "GTT-BK-42-AAAA",
		UploadToken: "6f1c1b8e-8a57-4c1f-9d42-1f0f3b9a7c11",
	}, RequestMeta{})
	if !errors.Is(err, ErrInvalidUploadSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}
	if p, v, i := env.store.Counts(); p+v+i != 0 {
		t.Fatalf("expected no rows, got %d/%d/%d", p, v, i)
	}
	if len(env.store.AuditLog()) != auditBefore {
		t.Fatalf("expected no audit entry")
	}
}

func TestSaveProductRequiresFields(t *testing.T) {
	env := newTestApp(t)
	missing := int64(999)
	_, _, err := env.app.SaveProduct(context.Background(), store.Session{UserID: 1}, SaveInput{
		CategoryID: &missing,
		Price:      decimal.NewFromInt(-1),
	}, RequestMeta{})
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
	fields := map[string]bool{}
	for _, f := range fe {
		fields[f.Field] = true
	}
	for _, want := range []string{"name", "sku", "upload_token", "price", "category_id"} {
		if !fields[want] {
			t.Fatalf("expected %s violation, got %+v", want, fe)
		}
	}
}

func TestSaveProductConcurrentSameSKU(t *testing.T) {
	ctx := context.Background()
	env := newTestApp(t)
	sess := sessionFor(t, env, registerAdmin(t, env))

	tokens := make([]string, 2)
	for i := range tokens {
		out, err := env.app.ValidateAndSuggest(ctx, validBatch(t))
		if err != nil {
			t.Fatalf("validate and suggest: %v", err)
		}
		tokens[i] = out.UploadToken
	}

	errs := make([]error, len(tokens))
	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			_, _, errs[i] = env.app.SaveProduct(ctx, sess, SaveInput{
				Name:        "Giày thể thao đen",
				SKU:         "GTT-BK-42-1A2B",
				UploadToken: token,
			}, RequestMeta{})
		}(i, token)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrDuplicateSKU):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("expected one success and one duplicate, got ok=%d dup=%d", ok, dup)
	}
	if p, v, i := env.store.Counts(); p != 1 || v != 1 || i != 2 {
		t.Fatalf("loser left rows behind: products=%d variants=%d images=%d", p, v, i)
	}
	productDirs, err := os.ReadDir(filepath.Join(env.uploadDir, "products"))
	if err != nil {
		t.Fatalf("read products dir: %v", err)
	}
	if len(productDirs) != 1 {
		t.Fatalf("expected images for exactly one product, got %d", len(productDirs))
	}
}

type brokenImageStore struct {
	storage.ImageStore
	discarded []int64
}

func (b *brokenImageStore) Place(context.Context, int64, []string) ([]string, error) {
	return nil, errors.New("disk full")
}

func (b *brokenImageStore) Discard(_ context.Context, productID int64) error {
	b.discarded = append(b.discarded, productID)
	return nil
}

func TestSaveProductPlacementFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	broken := &brokenImageStore{}
	env := newTestApp(t, func(c *Config) { c.Images = broken })
	sess := sessionFor(t, env, registerAdmin(t, env))

	out, err := env.app.ValidateAndSuggest(ctx, validBatch(t))
	if err != nil {
		t.Fatalf("validate and suggest: %v", err)
	}
	_, _, err = env.app.SaveProduct(ctx, sess, SaveInput{Name: "Sandal", SKU: "SD-01", UploadToken: out.UploadToken}, RequestMeta{})
	if !errors.Is(err, ErrProductSaveFailed) {
		t.Fatalf("expected save failure, got %v", err)
	}
	if p, v, i := env.store.Counts(); p+v+i != 0 {
		t.Fatalf("expected rollback, got %d/%d/%d", p, v, i)
	}
	if len(broken.discarded) != 1 {
		t.Fatalf("expected placed files discarded, got %v", broken.discarded)
	}
	if _, err := os.Stat(filepath.Join(env.uploadDir, "tmp", out.UploadToken)); err != nil {
		t.Fatalf("staging must survive a failed save: %v", err)
	}
}

func TestRegisterListsEveryViolation(t *testing.T) {
	env := newTestApp(t)
	_, _, err := env.app.Register(context.Background(), RegisterInput{
		WarehouseName:   "Kho A",
		Address:         "1 Street",
		Phone:           "12345",
		Email:           "not-an-email",
		FullName:        "Trần B",
		Password:        testPassword,
		ConfirmPassword: testPassword + "x",
	}, RequestMeta{})
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
	if len(fe) != 3 {
		t.Fatalf("expected phone, email and confirm violations, got %+v", fe)
	}
}

func TestRegisterCreatesAdmin(t *testing.T) {
	env := newTestApp(t)
	admin := registerAdmin(t, env)
	if admin.Username != "nvankhogiayabc009" {
		t.Fatalf("unexpected username %q", admin.Username)
	}
	if admin.Role != domain.RoleAdmin || admin.PasswordHash == testPassword {
		t.Fatalf("unexpected admin: %+v", admin)
	}
	log := env.store.AuditLog()
	if len(log) != 1 || log[0].Action != "account_registration" || log[0].IPAddress != "127.0.0.1" {
		t.Fatalf("unexpected audit log: %+v", log)
	}

	_, _, err := env.app.Register(context.Background(), RegisterInput{
		WarehouseName:   "Kho Giày ABC",
		Address:         "Elsewhere",
		Phone:           "0907654321",
		Email:           "other@example.com",
		FullName:        "Lê C",
		Password:        testPassword,
		ConfirmPassword: testPassword,
	}, RequestMeta{})
	var fe FieldErrors
	if !errors.As(err, &fe) || fe[0].Field != "warehouse_name" {
		t.Fatalf("expected duplicate warehouse name, got %v", err)
	}
}

func TestLoginByUsernameOrEmail(t *testing.T) {
	ctx := context.Background()
	env := newTestApp(t)
	admin := registerAdmin(t, env)

	for _, login := range []string{admin.Username, "abc@example.com"} {
		res, err := env.app.Login(ctx, login, testPassword, false)
		if err != nil {
			t.Fatalf("login %q: %v", login, err)
		}
		if res.Session.Token == "" || res.RememberToken != "" {
			t.Fatalf("unexpected login result: %+v", res)
		}
		if _, err := env.app.Authenticate(ctx, res.Session.Token); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}
	if _, err := env.app.Login(ctx, admin.Username, "Wrong@Pass2024", false); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := env.app.Login(ctx, "nobody", testPassword, false); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	if err := env.store.SetUserStatus(ctx, admin.ID, domain.StatusInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.app.Login(ctx, admin.Username, testPassword, false); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected disabled user, got %v", err)
	}
}

func TestRememberTokenResumesUntilLogout(t *testing.T) {
	ctx := context.Background()
	env := newTestApp(t)
	admin := registerAdmin(t, env)

	res, err := env.app.Login(ctx, admin.Username, testPassword, true)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.RememberToken == "" || !res.RememberExpires.After(time.Now()) {
		t.Fatalf("expected remember token, got %+v", res)
	}
	if err := env.app.Logout(ctx, res.Session.Token, ""); err != nil {
		t.Fatalf("drop session: %v", err)
	}
	if _, err := env.app.Authenticate(ctx, res.Session.Token); !errors.Is(err, store.ErrInvalidSession) {
		t.Fatalf("expected deleted session, got %v", err)
	}

	resumed, err := env.app.ResumeSession(ctx, res.RememberToken)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.UserID != admin.ID || resumed.Token == "" {
		t.Fatalf("unexpected resumed session: %+v", resumed)
	}

	if err := env.app.Logout(ctx, resumed.Token, res.RememberToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.app.ResumeSession(ctx, res.RememberToken); !errors.Is(err, store.ErrInvalidSession) {
		t.Fatalf("expected revoked remember token, got %v", err)
	}
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, kind string, payload any) (queue.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return queue.Job{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job := queue.Job{ID: "job-1", Kind: kind, Payload: raw, Status: queue.StatusQueued}
	q.jobs = append(q.jobs, job)
	return job, nil
}

func TestRegisterQueuesWelcomeMail(t *testing.T) {
	jobs := &recordingQueue{}
	env := newTestApp(t, func(c *Config) {
		c.Mailer = notify.NewMailer(notify.SMTPConfig{Host: "smtp.example.com"})
		c.Jobs = jobs
		c.LoginURL = "https://kho.example.com/login"
	})
	admin := registerAdmin(t, env)

	if len(jobs.jobs) != 1 || jobs.jobs[0].Kind != JobWelcomeMail {
		t.Fatalf("expected one welcome job, got %+v", jobs.jobs)
	}
	var msg notify.Welcome
	if err := jobs.jobs[0].Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.To != "abc@example.com" || msg.Username != admin.Username || msg.LoginURL != "https://kho.example.com/login" {
		t.Fatalf("unexpected welcome payload: %+v", msg)
	}
}

func TestRegisterSkipsMailWhenDisabled(t *testing.T) {
	jobs := &recordingQueue{}
	env := newTestApp(t, func(c *Config) { c.Jobs = jobs })
	registerAdmin(t, env)
	if len(jobs.jobs) != 0 {
		t.Fatalf("expected no job without smtp, got %+v", jobs.jobs)
	}
}

func TestHandleJobRejectsUnknownKind(t *testing.T) {
	env := newTestApp(t)
	if err := env.app.HandleJob(context.Background(), queue.Job{Kind: "reindex"}); err == nil {
		t.Fatalf("expected error for unknown job kind")
	}
}
