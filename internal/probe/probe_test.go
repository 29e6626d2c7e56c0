package probe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/jamur/internal/adapters/http/api"
	service "github.com/okian/jamur/internal/app"
	"github.com/okian/jamur/internal/domain/species"
	"github.com/okian/jamur/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type stubClassifier struct {
	calls atomic.Int32
	err   error
}

func (s *stubClassifier) Identify(_ context.Context, img species.Image) (species.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return species.Result{}, s.err
	}
	return species.NewResult("Amanita muscaria", "fly agaric"), nil
}

// jpegFile writes a tiny file that sniffs as image/jpeg.
func jpegFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "amanita.jpg")
	data := append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 64)...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newServiceStack(classifier service.Classifier, limit int) (*service.Service, *httptest.Server) {
	svc := service.New(
		service.WithClassifier(classifier),
		service.WithRateLimit(limit, time.Minute),
	)
	So(svc.Start(context.Background()), ShouldBeNil)

	mux := http.NewServeMux()
	api.NewServer(svc, svc).Register(context.Background(), mux)
	return svc, httptest.NewServer(api.RequestIDMiddleware(mux))
}

func TestRun(t *testing.T) {
	Convey("Given a running identify service", t, func() {
		classifier := &stubClassifier{}
		svc, srv := newServiceStack(classifier, 3)
		defer srv.Close()
		defer svc.Stop()

		image := jpegFile(t)

		Convey("When every submission comes from one client", func() {
			stats, err := Run(context.Background(), &Config{
				BaseURL:   srv.URL + "/",
				ImagePath: image,
				Requests:  5,
				Workers:   2,
				Timeout:   5 * time.Second,
				ClientIP:  "203.0.113.7",
			})

			Convey("Then the limit splits the replies", func() {
				So(err, ShouldBeNil)
				So(stats.Submitted, ShouldEqual, 5)
				So(stats.Identified, ShouldEqual, 3)
				So(stats.Limited, ShouldEqual, 2)
				So(stats.ByStatus, ShouldResemble, map[int]int{200: 3, 429: 2})
				So(stats.Species["Amanita muscaria"], ShouldEqual, 3)
				So(classifier.calls.Load(), ShouldEqual, 3)
				So(stats.Max, ShouldBeGreaterThanOrEqualTo, stats.P95)
				So(stats.P95, ShouldBeGreaterThanOrEqualTo, stats.P50)
			})
		})

		Convey("When submissions are spread across clients", func() {
			report := filepath.Join(t.TempDir(), "out", "report.json")
			stats, err := Run(context.Background(), &Config{
				BaseURL:   srv.URL,
				ImagePath: image,
				Requests:  6,
				Workers:   3,
				Timeout:   5 * time.Second,
				Spread:    true,
				Report:    report,
				Verbose:   true,
			})

			Convey("Then nothing is limited and the report is written", func() {
				So(err, ShouldBeNil)
				So(stats.Identified, ShouldEqual, 6)
				So(stats.Limited, ShouldEqual, 0)

				raw, readErr := os.ReadFile(report)
				So(readErr, ShouldBeNil)
				var decoded struct {
					Stats    Stats     `json:"stats"`
					Outcomes []Outcome `json:"outcomes"`
				}
				So(json.Unmarshal(raw, &decoded), ShouldBeNil)
				So(decoded.Outcomes, ShouldHaveLength, 6)
				So(decoded.Stats.Identified, ShouldEqual, 6)
			})
		})

		Convey("When the classifier fails", func() {
			classifier.err = errors.New("boom")
			stats, err := Run(context.Background(), &Config{
				BaseURL:   srv.URL,
				ImagePath: image,
				Requests:  2,
				Workers:   1,
				Timeout:   5 * time.Second,
				Spread:    true,
			})

			Convey("Then the failures are counted as upstream errors", func() {
				So(err, ShouldBeNil)
				So(stats.Upstream, ShouldEqual, 2)
				So(stats.ByStatus[http.StatusBadGateway], ShouldEqual, 2)
			})
		})
	})
}

func TestRunPreconditions(t *testing.T) {
	Convey("Given invalid configurations", t, func() {
		cases := []*Config{
			nil,
			{ImagePath: "x", Requests: 1, Workers: 1},
			{BaseURL: "http://x", Requests: 1, Workers: 1},
			{BaseURL: "http://x", ImagePath: "x", Workers: 1},
			{BaseURL: "http://x", ImagePath: "x", Requests: 1},
		}
		for _, cfg := range cases {
			_, err := Run(context.Background(), cfg)
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
		}
	})

	Convey("Given an unhealthy service", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := Run(context.Background(), &Config{
			BaseURL: srv.URL, ImagePath: jpegFile(t), Requests: 1, Workers: 1, Timeout: time.Second,
		})
		So(errors.Is(err, ErrUnhealthy), ShouldBeTrue)
	})

	Convey("Given an unreachable service", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := Run(context.Background(), &Config{
			BaseURL: url, ImagePath: jpegFile(t), Requests: 1, Workers: 1, Timeout: time.Second,
		})
		So(errors.Is(err, ErrUnhealthy), ShouldBeTrue)
	})

	Convey("Given a missing or empty photo", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		empty := filepath.Join(t.TempDir(), "empty.jpg")
		So(os.WriteFile(empty, nil, 0o600), ShouldBeNil)

		for _, path := range []string{filepath.Join(t.TempDir(), "missing.jpg"), empty} {
			_, err := Run(context.Background(), &Config{
				BaseURL: srv.URL, ImagePath: path, Requests: 1, Workers: 1, Timeout: time.Second,
			})
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
		}
	})
}

func TestRunContractViolations(t *testing.T) {
	Convey("Given a service that breaks the reply contract", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case healthPath:
				w.WriteHeader(http.StatusOK)
			case identifyPath:
				if r.Header.Get("X-Forwarded-For") == "" {
					w.WriteHeader(http.StatusTooManyRequests)
					_, _ = io.WriteString(w, `{"error":"slow down"}`)
					return
				}
				_, _ = io.WriteString(w, `{}`)
			}
		}))
		defer srv.Close()

		Convey("Then a 429 without Retry-After is reported", func() {
			stats, err := Run(context.Background(), &Config{
				BaseURL: srv.URL, ImagePath: jpegFile(t), Requests: 2, Workers: 2, Timeout: time.Second,
			})
			So(errors.Is(err, ErrContract), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "Retry-After")
			So(stats.Limited, ShouldEqual, 2)
		})

		Convey("Then a success without a name is reported", func() {
			_, err := Run(context.Background(), &Config{
				BaseURL: srv.URL, ImagePath: jpegFile(t), Requests: 1, Workers: 1, Timeout: time.Second, ClientIP: "1.2.3.4",
			})
			So(errors.Is(err, ErrContract), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "scientificName")
		})
	})
}

func TestSubmit(t *testing.T) {
	Convey("Given a server recording the upload", t, func() {
		var got struct {
			filename, contentType, token, forwarded string
			size                                    int
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			file, header, err := r.FormFile(imageField)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer func() { _ = file.Close() }()
			data, _ := io.ReadAll(file)
			got.filename = header.Filename
			got.contentType = header.Header.Get("Content-Type")
			got.size = len(data)
			got.token = r.FormValue(tokenField)
			got.forwarded = r.Header.Get("X-Forwarded-For")
			w.Header().Set("Retry-After", "7")
			_, _ = io.WriteString(w, `{"scientificName":"Boletus edulis","commonName":"porcini"}`)
		}))
		defer srv.Close()

		client := newHTTPClient(time.Second)
		out := client.Submit(context.Background(), srv.URL, Photo{
			Name: "dir/porcini.png", ContentType: "image/png", Data: []byte("png-bytes"),
		}, "tok", "198.18.0.1")

		Convey("Then every field reaches the server", func() {
			So(out.Status, ShouldEqual, http.StatusOK)
			So(out.ScientificName, ShouldEqual, "Boletus edulis")
			So(out.CommonName, ShouldEqual, "porcini")
			So(out.RetryAfter, ShouldEqual, "7")
			So(got.filename, ShouldEqual, "porcini.png")
			So(got.contentType, ShouldEqual, "image/png")
			So(got.size, ShouldEqual, len("png-bytes"))
			So(got.token, ShouldEqual, "tok")
			So(got.forwarded, ShouldEqual, "198.18.0.1")
		})
	})

	Convey("Given a server replying with plain text", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "bad gateway\n")
		}))
		defer srv.Close()

		out := newHTTPClient(time.Second).Submit(context.Background(), srv.URL, Photo{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}}, "", "")
		So(out.Status, ShouldEqual, http.StatusBadGateway)
		So(out.Error, ShouldEqual, "bad gateway")
	})
}

func TestSummaries(t *testing.T) {
	Convey("Given spread client addresses", t, func() {
		cfg := &Config{Spread: true}
		So(clientAddress(cfg, 0), ShouldEqual, "198.18.0.0")
		So(clientAddress(cfg, 258), ShouldEqual, "198.18.1.2")
		So(clientAddress(cfg, 1<<16), ShouldEqual, "198.19.0.0")
		So(clientAddress(&Config{ClientIP: "10.0.0.1"}, 5), ShouldEqual, "10.0.0.1")
	})

	Convey("Given sorted latencies", t, func() {
		sorted := make([]time.Duration, 0, 20)
		for i := 1; i <= 20; i++ {
			sorted = append(sorted, time.Duration(i)*time.Millisecond)
		}
		So(percentile(sorted, 50), ShouldEqual, 10*time.Millisecond)
		So(percentile(sorted, 95), ShouldEqual, 19*time.Millisecond)
		So(percentile(nil, 95), ShouldEqual, 0)
	})

	Convey("Given mixed outcomes", t, func() {
		stats := &Stats{}
		summarize([]Outcome{
			{Status: 200, ScientificName: "A"},
			{Status: 400, Error: "x"},
			{Status: 429, Error: "x", RetryAfter: "1"},
			{Status: 502, Error: "x"},
			{Status: 500, Error: "x"},
			{Transport: "refused"},
		}, stats)
		So(stats.Identified, ShouldEqual, 1)
		So(stats.Rejected, ShouldEqual, 1)
		So(stats.Limited, ShouldEqual, 1)
		So(stats.Upstream, ShouldEqual, 1)
		So(stats.Failed, ShouldEqual, 2)
		So(stats.ByStatus, ShouldHaveLength, 5)
	})
}
