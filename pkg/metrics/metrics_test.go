package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options and a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithRegistry(registry))

			Convey("Then it should be created with the service namespace", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "jamur")
				So(manager.subsystem, ShouldEqual, "identify")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test_namespace"),
				WithSubsystem("test_subsystem"),
				WithHTTPBuckets([]float64{0.1, 0.5, 1.0}),
				WithClassificationBuckets([]float64{100, 1000}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithRegistry(registry),
			)
			manager.identifications.WithLabelValues("ok").Inc()

			Convey("Then the exported names and labels should reflect them", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)

				var found bool
				for _, mf := range families {
					if mf.GetName() == "test_namespace_test_subsystem_identifications_total" {
						found = true
						So(mf.GetMetric()[0].GetLabel(), ShouldNotBeEmpty)
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When empty options are passed", func() {
			manager := NewManager(
				WithNamespace(""),
				WithSubsystem(""),
				WithHTTPBuckets(nil),
				WithClassificationBuckets(nil),
				WithConstLabels(nil),
				WithRegistry(prometheus.NewRegistry()),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "jamur")
				So(manager.httpBuckets, ShouldResemble, defaultHTTPBuckets)
				So(manager.classificationBuckets, ShouldResemble, defaultClassificationBuckets)
				So(manager.constLabels, ShouldBeEmpty)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When recording rate limit decisions", func() {
			before := testutil.ToFloat64(globalManager.rateLimitDecisions.WithLabelValues("rejected"))
			RecordRateLimitDecision(false)
			RecordRateLimitDecision(true)

			Convey("Then the rejected counter should advance by one", func() {
				after := testutil.ToFloat64(globalManager.rateLimitDecisions.WithLabelValues("rejected"))
				So(after-before, ShouldEqual, 1)
			})
		})

		Convey("When recording captcha outcomes", func() {
			before := testutil.ToFloat64(globalManager.captchaVerification.WithLabelValues("passed"))
			RecordCaptchaVerification(true)

			Convey("Then the passed counter should advance", func() {
				So(testutil.ToFloat64(globalManager.captchaVerification.WithLabelValues("passed"))-before, ShouldEqual, 1)
			})
		})

		Convey("When updating gauges", func() {
			UpdateRateTrackedClients(42)
			UpdateSystemGoroutineCount(7)

			Convey("Then they hold the last value", func() {
				So(testutil.ToFloat64(globalManager.rateTrackedClients), ShouldEqual, 42)
				So(testutil.ToFloat64(globalManager.systemGoroutineCount), ShouldEqual, 7)
			})
		})

		Convey("When recording latency and HTTP metrics", func() {
			So(func() {
				RecordIdentification("ok")
				RecordClassificationLatency("ok", 320)
				RecordUploadSize(512 * 1024)
				RecordRateStoreError()
				RecordHTTPRequest("identify", "POST", "200")
				RecordHTTPRequestDuration("identify", "POST", "200", 12)
				RecordErrorByEndpoint("identify", "POST", "rate_limit")
				UpdateSystemMemoryUsage(1 << 20)
				RecordSystemGCPauseTime(0.4)
			}, ShouldNotPanic)

			Convey("Then the custom registry exposes them", func() {
				families, err := GetRegistry().Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, mf := range families {
					names = append(names, mf.GetName())
				}
				joined := strings.Join(names, ",")
				So(joined, ShouldContainSubstring, "jamur_identify_http_requests_total")
				So(joined, ShouldContainSubstring, "jamur_identify_classification_latency_milliseconds")
			})
		})
	})
}
