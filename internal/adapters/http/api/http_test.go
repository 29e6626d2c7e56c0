package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/jamur/internal/adapters/http/api"
	"github.com/okian/jamur/internal/domain/ratelimit"
	"github.com/okian/jamur/internal/domain/species"
	"github.com/okian/jamur/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// mockDependencies records what the handler asked for.
type mockDependencies struct {
	mu sync.Mutex

	decision       ratelimit.Decision
	captchaEnabled bool
	captchaOK      bool
	maxUpload      int64
	result         species.Result
	identifyErr    error

	rateCalls     []string
	captchaTokens []string
	captchaIPs    []string
	images        []species.Image
}

func newMockDependencies() *mockDependencies {
	return &mockDependencies{
		decision:  ratelimit.Decision{Allowed: true},
		captchaOK: true,
		maxUpload: species.MaxImageBytes,
		result:    species.NewResult("Amanita muscaria", "fly agaric"),
	}
}

func (m *mockDependencies) CheckRate(_ context.Context, clientID string) ratelimit.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateCalls = append(m.rateCalls, clientID)
	return m.decision
}

func (m *mockDependencies) CaptchaEnabled() bool { return m.captchaEnabled }

func (m *mockDependencies) VerifyCaptcha(_ context.Context, token, clientIP string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captchaTokens = append(m.captchaTokens, token)
	m.captchaIPs = append(m.captchaIPs, clientIP)
	return m.captchaOK
}

func (m *mockDependencies) Identify(_ context.Context, img species.Image) (species.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, img)
	if m.identifyErr != nil {
		return species.Result{}, m.identifyErr
	}
	return m.result, nil
}

func (m *mockDependencies) MaxUploadBytes() int64 { return m.maxUpload }

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} {
	return m.stats
}

// upload describes one multipart request body.
type upload struct {
	field       string
	filename    string
	contentType string
	data        []byte
	token       string
}

func newUploadRequest(u upload) *http.Request {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if u.field != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, u.field, u.filename))
		if u.contentType != "" {
			h.Set("Content-Type", u.contentType)
		}
		part, _ := w.CreatePart(h)
		_, _ = part.Write(u.data)
	}
	if u.token != "" {
		_ = w.WriteField("turnstileToken", u.token)
	}
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/identify", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	return req
}

func jpeg(n int) upload {
	return upload{field: "image", filename: "cap.jpg", contentType: "image/jpeg", data: bytes.Repeat([]byte{0xff}, n)}
}

func errorBody(w *httptest.ResponseRecorder) string {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return body.Error
}

func TestServer_Register(t *testing.T) {
	Convey("Given a new API server", t, func() {
		deps := newMockDependencies()
		statsProvider := &mockStatsProvider{stats: map[string]interface{}{"started": true}}
		server := api.NewServer(deps, statsProvider)
		mux := http.NewServeMux()

		Convey("When registering routes", func() {
			server.Register(context.Background(), mux)

			Convey("Then health endpoint should expose metrics", func() {
				req := httptest.NewRequest("GET", "/healthz", nil)
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, req)
				So(w.Code, ShouldEqual, http.StatusOK)
			})

			Convey("And stats endpoint should return the provider's stats", func() {
				req := httptest.NewRequest("GET", "/stats", nil)
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, req)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"started":true`)
				So(w.Header().Get("Cache-Control"), ShouldEqual, "no-store")
			})

			Convey("And stats echo the identifier the limiter would use", func() {
				req := httptest.NewRequest("GET", "/stats", nil)
				req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, req)
				So(w.Body.String(), ShouldContainSubstring, `"clientId":"203.0.113.9"`)
			})

			Convey("And read-only endpoints reject writes", func() {
				for _, path := range []string{"/healthz", "/stats", "/dashboard"} {
					req := httptest.NewRequest("POST", path, nil)
					w := httptest.NewRecorder()
					mux.ServeHTTP(w, req)
					So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
					So(w.Header().Get("Allow"), ShouldEqual, "GET, HEAD")
				}
			})

			Convey("And identify is mounted at both paths", func() {
				for _, path := range []string{"/identify", "/api/identify"} {
					req := newUploadRequest(jpeg(16))
					req.URL.Path = path
					w := httptest.NewRecorder()
					mux.ServeHTTP(w, req)
					So(w.Code, ShouldEqual, http.StatusOK)
				}
			})

			Convey("And identify rejects other methods", func() {
				req := httptest.NewRequest("GET", "/identify", nil)
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, req)
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
				So(w.Header().Get("Allow"), ShouldEqual, http.MethodPost)
				So(deps.rateCalls, ShouldBeEmpty)
			})

			Convey("And unknown paths are not found", func() {
				req := httptest.NewRequest("GET", "/unknown", nil)
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, req)
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})

			Convey("And dashboard endpoint should serve HTML with refresh control", func() {
				req := httptest.NewRequest("GET", "/dashboard", nil)
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, req)
				So(w.Code, ShouldEqual, http.StatusOK)
				body := w.Body.String()
				So(body, ShouldContainSubstring, "id=\"refresh-interval\"")
				So(body, ShouldContainSubstring, "id=\"refresh-control\"")
			})
		})
	})
}

func TestIdentifyHandler(t *testing.T) {
	Convey("Given an identify handler", t, func() {
		deps := newMockDependencies()
		handler := api.NewIdentifyHandler(deps)

		serve := func(req *http.Request) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			handler.HandleIdentify(w, req)
			return w
		}

		Convey("When a valid jpeg is uploaded", func() {
			w := serve(newUploadRequest(jpeg(64)))

			Convey("Then the classification is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("Content-Type"), ShouldStartWith, "application/json")
				So(w.Body.String(), ShouldContainSubstring, `"scientificName":"Amanita muscaria"`)
				So(w.Body.String(), ShouldContainSubstring, `"commonName":"fly agaric"`)
			})

			Convey("And the image reaches the classifier intact", func() {
				So(deps.images, ShouldHaveLength, 1)
				img := deps.images[0]
				So(img.Filename, ShouldEqual, "cap.jpg")
				So(img.ContentType, ShouldEqual, "image/jpeg")
				So(img.Size, ShouldEqual, 64)
				So(len(img.Data), ShouldEqual, 64)
			})

			Convey("And the first forwarded address is rate limited", func() {
				So(deps.rateCalls, ShouldResemble, []string{"203.0.113.7"})
			})
		})

		Convey("When the client is over its limit", func() {
			deps.decision = ratelimit.Decision{Allowed: false, RetryAfterSeconds: 42}
			w := serve(newUploadRequest(jpeg(64)))

			Convey("Then it is rejected before anything else happens", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(w.Header().Get("Retry-After"), ShouldEqual, "42")
				So(errorBody(w), ShouldEqual, "Terlalu banyak permintaan, coba lagi beberapa saat.")
				So(deps.images, ShouldBeEmpty)
			})
		})

		Convey("When the rejection carries no retry hint", func() {
			deps.decision = ratelimit.Decision{Allowed: false}
			w := serve(newUploadRequest(jpeg(64)))
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			So(w.Header().Get("Retry-After"), ShouldBeEmpty)
		})

		Convey("When the body is not multipart", func() {
			req := httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(`{"image":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			w := serve(req)

			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorBody(w), ShouldEqual, "Format permintaan tidak valid.")
		})

		Convey("When no image is attached", func() {
			w := serve(newUploadRequest(upload{token: "t"}))

			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorBody(w), ShouldEqual, "File gambar wajib diunggah.")
		})

		Convey("When the type is not allowed", func() {
			for _, ct := range []string{"image/gif", "application/octet-stream", ""} {
				u := jpeg(64)
				u.contentType = ct
				w := serve(newUploadRequest(u))

				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(errorBody(w), ShouldEqual, "Tipe file harus JPEG, PNG, atau WEBP.")
			}
			So(deps.images, ShouldBeEmpty)
		})

		Convey("When png and webp are uploaded", func() {
			for _, ct := range []string{"image/png", "image/webp"} {
				u := jpeg(64)
				u.contentType = ct
				So(serve(newUploadRequest(u)).Code, ShouldEqual, http.StatusOK)
			}
		})

		Convey("When the image is one byte over the limit", func() {
			deps.maxUpload = 1024
			w := serve(newUploadRequest(jpeg(1025)))

			Convey("Then it is rejected as too large", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(errorBody(w), ShouldEqual, "Ukuran file maksimal 8MB.")
				So(deps.images, ShouldBeEmpty)
			})
		})

		Convey("When the image is exactly at the limit", func() {
			deps.maxUpload = 1024
			So(serve(newUploadRequest(jpeg(1024))).Code, ShouldEqual, http.StatusOK)
		})

		Convey("When the body is far beyond the limit", func() {
			deps.maxUpload = 1024
			w := serve(newUploadRequest(jpeg(3 << 20)))
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.images, ShouldBeEmpty)
		})

		Convey("When captcha is disabled", func() {
			w := serve(newUploadRequest(jpeg(64)))

			Convey("Then no token is needed and the verifier is not asked", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.captchaTokens, ShouldBeEmpty)
			})
		})

		Convey("When captcha is enabled", func() {
			deps.captchaEnabled = true

			Convey("And the token is rejected", func() {
				deps.captchaOK = false
				u := jpeg(64)
				u.token = "bad-token"
				w := serve(newUploadRequest(u))

				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(errorBody(w), ShouldEqual, "Verifikasi CAPTCHA gagal. Silakan coba lagi.")
				So(deps.captchaTokens, ShouldResemble, []string{"bad-token"})
				So(deps.captchaIPs, ShouldResemble, []string{"203.0.113.7"})
				So(deps.images, ShouldBeEmpty)
			})

			Convey("And the token is accepted", func() {
				u := jpeg(64)
				u.token = "good-token"
				So(serve(newUploadRequest(u)).Code, ShouldEqual, http.StatusOK)
			})

			Convey("And validation fails first", func() {
				u := jpeg(64)
				u.contentType = "image/gif"
				w := serve(newUploadRequest(u))
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(deps.captchaTokens, ShouldBeEmpty)
			})
		})

		Convey("When classification fails", func() {
			deps.identifyErr = fmt.Errorf("%w: iNaturalist CV gagal (500): boom", species.ErrUpstream)
			w := serve(newUploadRequest(jpeg(64)))

			So(w.Code, ShouldEqual, http.StatusBadGateway)
			So(errorBody(w), ShouldContainSubstring, "iNaturalist CV gagal (500): boom")
		})

		Convey("When classification fails without a message", func() {
			deps.identifyErr = errors.New("")
			w := serve(newUploadRequest(jpeg(64)))

			So(w.Code, ShouldEqual, http.StatusBadGateway)
			So(errorBody(w), ShouldEqual, "Terjadi kesalahan.")
		})
	})
}

func TestClientIP(t *testing.T) {
	Convey("Given forwarding headers", t, func() {
		cases := []struct {
			headers map[string]string
			want    string
		}{
			{map[string]string{"X-Forwarded-For": " 198.51.100.2 , 10.0.0.1"}, "198.51.100.2"},
			{map[string]string{"X-Real-IP": "198.51.100.3"}, "198.51.100.3"},
			{map[string]string{"CF-Connecting-IP": "198.51.100.4"}, "198.51.100.4"},
			{map[string]string{"X-Real-IP": "198.51.100.3", "CF-Connecting-IP": "198.51.100.4"}, "198.51.100.3"},
			{map[string]string{"X-Forwarded-For": "198.51.100.2", "X-Real-IP": "198.51.100.3"}, "198.51.100.2"},
			{map[string]string{"X-Forwarded-For": " , 10.0.0.1"}, ratelimit.UnknownClient},
			{map[string]string{}, ratelimit.UnknownClient},
		}

		for _, tc := range cases {
			req := httptest.NewRequest(http.MethodPost, "/identify", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			So(api.ClientIP(req), ShouldEqual, tc.want)
		}
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	Convey("Given a handler behind the request id middleware", t, func() {
		var seen string
		h := api.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = logger.RequestID(r.Context())
		}))

		Convey("When the client sends an id", func() {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(api.RequestIDHeader, "abc-123")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			So(w.Header().Get(api.RequestIDHeader), ShouldEqual, "abc-123")
			So(seen, ShouldEqual, "abc-123")
		})

		Convey("When the client sends none", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			So(w.Header().Get(api.RequestIDHeader), ShouldHaveLength, 36)
			So(seen, ShouldEqual, w.Header().Get(api.RequestIDHeader))
		})

		Convey("When the supplied id is oversized", func() {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(api.RequestIDHeader, strings.Repeat("a", 500))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			So(w.Header().Get(api.RequestIDHeader), ShouldHaveLength, 36)
		})
	})
}

func TestKindError(t *testing.T) {
	Convey("Given a wrapped error", t, func() {
		cause := errors.New("boom")
		err := api.WrapKind("api.identify", api.ErrUpstream, cause)

		So(errors.Is(err, api.ErrUpstream), ShouldBeTrue)
		So(errors.Is(err, cause), ShouldBeTrue)
		So(err.Error(), ShouldEqual, "api.identify: upstream failed: boom")
		So(api.NewKind("op", api.ErrBadRequest).Error(), ShouldEqual, "op: bad request")
	})
}
