// Package filters removes ads that must not enter an auction because a
// frequency cap was reached or an excluded app is installed.
package filters

import (
	"context"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

// AdFilterer removes ineligible ads from custom audiences and contextual ads.
// Inputs are never modified; the results are fresh copies.
type AdFilterer interface {
	// FilterCustomAudiences returns the audiences with ineligible ads removed.
	// Audiences left without ads are dropped.
	FilterCustomAudiences(ctx context.Context, audiences []models.CustomAudience) []models.CustomAudience
	// FilterContextualAds returns the contextual ads with ineligible ads removed.
	FilterContextualAds(ctx context.Context, ads models.ContextualAds) models.ContextualAds
}

// HistogramReader counts recorded ad counter key events.
type HistogramReader interface {
	CountHistogramEvents(ctx context.Context, queries []models.HistogramQuery) ([]int64, error)
}

// AppInstallReader reports which packages are registered as installed per buyer.
type AppInstallReader interface {
	InstalledApps(ctx context.Context, packagesByBuyer map[string][]string) (map[string]map[string]bool, error)
}

// Options configures the filter returned by New.
type Options struct {
	FrequencyCapEnabled bool
	AppInstallEnabled   bool
	Histograms          HistogramReader
	AppInstalls         AppInstallReader
	Metrics             observability.MetricsRegistry
	Logger              *zap.Logger
}

// New returns the enforcing filter when at least one filter is enabled and the
// no-op filter otherwise. The choice is made once.
func New(opts Options) AdFilterer {
	logger := observability.Component(opts.Logger, "ad_filter")
	if !opts.FrequencyCapEnabled && !opts.AppInstallEnabled {
		return NewNoOpFilter(logger)
	}
	return NewEnforcingFilter(opts.Histograms, opts.AppInstalls, opts.FrequencyCapEnabled, opts.AppInstallEnabled, opts.Metrics, logger)
}

// NoOpFilter returns its input unchanged.
type NoOpFilter struct {
	logger *zap.Logger
}

// NewNoOpFilter creates a filter that skips all checks.
func NewNoOpFilter(logger *zap.Logger) *NoOpFilter {
	if logger == nil {
		logger = zap.L()
	}
	return &NoOpFilter{logger: logger}
}

// FilterCustomAudiences returns audiences as given.
func (f *NoOpFilter) FilterCustomAudiences(_ context.Context, audiences []models.CustomAudience) []models.CustomAudience {
	f.logger.Debug("ad filtering disabled, skipping custom audience filtering", zap.Int("custom_audiences", len(audiences)))
	return audiences
}

// FilterContextualAds returns ads as given.
func (f *NoOpFilter) FilterContextualAds(_ context.Context, ads models.ContextualAds) models.ContextualAds {
	f.logger.Debug("ad filtering disabled, skipping contextual ad filtering", zap.String("buyer", ads.Buyer), zap.Int("ads", len(ads.Ads)))
	return ads
}
