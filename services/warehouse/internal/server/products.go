package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"smartwarehouse/internal/util"
	"smartwarehouse/pkg/images"
	"smartwarehouse/pkg/store"
	"smartwarehouse/services/warehouse/internal/app"
)

const maxFormMemory = 32 << 20

func (s *Server) handleValidateAndSuggest(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["images"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["images[]"]
	}
	batch := make([]images.Upload, 0, len(headers))
	for _, fh := range headers {
		batch = append(batch, uploadFromHeader(fh))
	}

	out, err := s.app.ValidateAndSuggest(r.Context(), batch)
	if err != nil {
		var verr *images.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success":    false,
				"message":    verr.Error(),
				"violations": verr.Violations,
			})
		case errors.Is(err, images.ErrInvalidImage), errors.Is(err, images.ErrUnsupportedFormat):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("validate_and_suggest_failed", "user_id", sess.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "could not process images")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"upload_token": out.UploadToken,
		"ai_error":     out.AIError,
		"data":         out.Data,
	})
}

func uploadFromHeader(fh *multipart.FileHeader) images.Upload {
	return images.Upload{
		Filename: fh.Filename,
		Size:     fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func (s *Server) handleSaveProduct(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	in, fe := parseSaveForm(r)
	if len(fe) > 0 {
		writeFieldErrors(w, fe)
		return
	}

	product, variant, err := s.app.SaveProduct(r.Context(), sess, in, s.meta(r))
	if err != nil {
		var ferr app.FieldErrors
		switch {
		case errors.As(err, &ferr):
			writeFieldErrors(w, ferr)
		case errors.Is(err, app.ErrInvalidUploadSession):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDuplicateSKU):
			s.audit(r, "product_save", "rejected", "reason", "duplicate_sku", "sku", in.SKU)
			writeError(w, http.StatusConflict, "SKU already exists")
		default:
			s.audit(r, "product_save", "error", "sku", in.SKU)
			writeError(w, http.StatusInternalServerError, app.ErrProductSaveFailed.Error())
		}
		return
	}
	s.audit(r, "product_save", "success", "user_id", sess.UserID, "product_id", product.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"product_id": product.ID,
		"variant_id": variant.ID,
	})
}

// parseSaveForm reads the save form; optional numeric fields may be blank.
func parseSaveForm(r *http.Request) (app.SaveInput, app.FieldErrors) {
	var fe app.FieldErrors
	in := app.SaveInput{
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		SKU:         r.FormValue("sku"),
		Color:       r.FormValue("color"),
		Size:        r.FormValue("size"),
		UploadToken: r.FormValue("upload_token"),
	}
	if raw := strings.TrimSpace(r.FormValue("category_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			fe = append(fe, app.FieldError{Field: "category_id", Message: "category_id must be a positive integer"})
		} else {
			in.CategoryID = &id
		}
	}
	if raw := strings.TrimSpace(r.FormValue("price")); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			fe = append(fe, app.FieldError{Field: "price", Message: "price must be a number"})
		} else {
			in.Price = price.Round(2)
		}
	}
	if raw := strings.TrimSpace(r.FormValue("min_stock_level")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fe = append(fe, app.FieldError{Field: "min_stock_level", Message: "min_stock_level must be an integer"})
		} else {
			in.MinStockLevel = n
		}
	}
	if raw := r.FormValue("tags"); raw != "" {
		in.Tags = strings.Split(raw, ",")
	}
	return in, fe
}

func writeFieldErrors(w http.ResponseWriter, fe app.FieldErrors) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"success": false,
		"message": fe.Error(),
		"errors":  fe,
	})
}
