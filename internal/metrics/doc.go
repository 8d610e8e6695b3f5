// Package metrics provides observability hooks for build-state tracking.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no nil checks are needed at call sites:
//
//	tracker := round.NewTracker(state).WithRecorder(metrics.NewPrometheusRecorder(reg))
//
// PrometheusRecorder registers its collectors on the given registry and
// HTTPHandler exposes that registry for scraping.
package metrics
