package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/okian/jamur/internal/domain/species"
	"github.com/okian/jamur/pkg/logger"
)

const (
	imageField = "image"
	tokenField = "turnstileToken"
	// multipartOverhead is allowed on top of the image limit for boundaries
	// and the other form fields.
	multipartOverhead = 1 << 20
)

// Messages shown to the caller.
const (
	msgRateLimited  = "Terlalu banyak permintaan, coba lagi beberapa saat."
	msgMalformed    = "Format permintaan tidak valid."
	msgImageMissing = "File gambar wajib diunggah."
	msgBadType      = "Tipe file harus JPEG, PNG, atau WEBP."
	msgTooLarge     = "Ukuran file maksimal 8MB."
	msgCaptcha      = "Verifikasi CAPTCHA gagal. Silakan coba lagi."
	msgFallback     = "Terjadi kesalahan."
)

// IdentifyHandler handles image identification requests.
type IdentifyHandler struct {
	deps Dependencies
}

// NewIdentifyHandler creates a new identify handler.
func NewIdentifyHandler(deps Dependencies) *IdentifyHandler {
	return &IdentifyHandler{deps: deps}
}

// HandleIdentify handles POST /identify requests.
//
// The checks run in a fixed order: rate limit, form parsing, image presence,
// declared type, size, challenge token, classification. The first failing
// check decides the response.
func (h *IdentifyHandler) HandleIdentify(w http.ResponseWriter, r *http.Request) {
	const op = "api.identify"
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	ctx := r.Context()
	log := logger.Get().Named("api")
	clientIP := ClientIP(r)

	decision := h.deps.CheckRate(ctx, clientIP)
	if !decision.Allowed {
		if decision.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		}
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	maxBytes := h.deps.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxBytes + multipartOverhead); err != nil {
		log.Warn(ctx, "failed to read form data", logger.Error(WrapKind(op, ErrBadRequest, err)))
		writeError(w, http.StatusBadRequest, msgMalformed)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(imageField)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgImageMissing)
		return
	}
	defer func() { _ = file.Close() }()

	contentType := header.Header.Get("Content-Type")
	if !species.AllowedContentType(contentType) {
		writeError(w, http.StatusBadRequest, msgBadType)
		return
	}

	if header.Size > maxBytes {
		writeError(w, http.StatusBadRequest, msgTooLarge)
		return
	}

	if h.deps.CaptchaEnabled() {
		token := r.PostFormValue(tokenField)
		if !h.deps.VerifyCaptcha(ctx, token, clientIP) {
			log.Info(ctx, "challenge rejected", logger.String("client", clientIP))
			writeError(w, http.StatusBadRequest, msgCaptcha)
			return
		}
	}

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		log.Error(ctx, "failed to read image", logger.Error(WrapKind(op, ErrBadRequest, err)))
		writeError(w, http.StatusBadRequest, msgMalformed)
		return
	}

	img := species.Image{
		Data:        data,
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        int64(len(data)),
	}

	result, err := h.deps.Identify(ctx, img)
	if err != nil {
		log.Error(ctx, "identification failed", logger.Error(WrapKind(op, ErrUpstream, err)))
		writeError(w, http.StatusBadGateway, upstreamMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, identifyResponse(result))
}

// upstreamMessage is the text returned to the caller for a failed classification.
func upstreamMessage(err error) string {
	if err == nil || err.Error() == "" {
		return msgFallback
	}
	var kerr *KindError
	if errors.As(err, &kerr) && kerr.Err != nil {
		return upstreamMessage(kerr.Err)
	}
	return err.Error()
}
