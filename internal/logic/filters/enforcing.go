package filters

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

const (
	reasonFrequencyCap = "frequency_cap"
	reasonAppInstall   = "app_install"
)

// EnforcingFilter checks frequency caps and app installs in a single pass.
// All counter lookups of one call are pipelined; a store failure keeps the ads.
type EnforcingFilter struct {
	histograms        HistogramReader
	appInstalls       AppInstallReader
	frequencyCapping  bool
	appInstallFilters bool
	metrics           observability.MetricsRegistry
	logger            *zap.Logger
	nowFn             func() time.Time
}

// NewEnforcingFilter creates a filter consulting the given stores. A nil store
// disables the corresponding check.
func NewEnforcingFilter(histograms HistogramReader, appInstalls AppInstallReader, frequencyCapping, appInstallFilters bool, metrics observability.MetricsRegistry, logger *zap.Logger) *EnforcingFilter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &EnforcingFilter{
		histograms:        histograms,
		appInstalls:       appInstalls,
		frequencyCapping:  frequencyCapping && histograms != nil,
		appInstallFilters: appInstallFilters && appInstalls != nil,
		metrics:           metrics,
		logger:            logger,
		nowFn:             time.Now,
	}
}

// adRef locates one ad under evaluation. Owner and name are empty for
// contextual ads, whose win events are counted per buyer.
type adRef struct {
	buyer   string
	owner   string
	name    string
	filters *models.AdFilters
}

// FilterCustomAudiences removes capped and app-install excluded ads.
func (f *EnforcingFilter) FilterCustomAudiences(ctx context.Context, audiences []models.CustomAudience) []models.CustomAudience {
	if len(audiences) == 0 {
		return nil
	}

	var refs []adRef
	for _, ca := range audiences {
		for _, ad := range ca.Ads {
			refs = append(refs, adRef{buyer: ca.Buyer, owner: ca.Owner, name: ca.Name, filters: ad.Filters})
		}
	}
	keep := f.evaluate(ctx, refs)

	out := make([]models.CustomAudience, 0, len(audiences))
	i := 0
	for _, ca := range audiences {
		ads := make([]models.AdRecord, 0, len(ca.Ads))
		for _, ad := range ca.Ads {
			if keep[i] {
				ads = append(ads, ad)
			}
			i++
		}
		if len(ads) == 0 {
			f.logger.Debug("custom audience has no eligible ads",
				zap.String("buyer", ca.Buyer),
				zap.String("name", ca.Name))
			continue
		}
		out = append(out, ca.WithAds(ads))
	}
	return out
}

// FilterContextualAds removes capped and app-install excluded contextual ads.
func (f *EnforcingFilter) FilterContextualAds(ctx context.Context, ads models.ContextualAds) models.ContextualAds {
	out := models.ContextualAds{Buyer: ads.Buyer, DecisionLogicURI: ads.DecisionLogicURI}
	if len(ads.Ads) == 0 {
		return out
	}

	refs := make([]adRef, len(ads.Ads))
	for i, ad := range ads.Ads {
		refs[i] = adRef{buyer: ads.Buyer, filters: ad.Ad.Filters}
	}
	keep := f.evaluate(ctx, refs)

	out.Ads = make([]models.ContextualAd, 0, len(ads.Ads))
	for i, ad := range ads.Ads {
		if keep[i] {
			out.Ads = append(out.Ads, ad)
		}
	}
	return out
}

// capCheck ties a histogram query back to the ad it was issued for.
type capCheck struct {
	ad       int
	maxCount int
}

// evaluate reports for each ref whether the ad is eligible.
func (f *EnforcingFilter) evaluate(ctx context.Context, refs []adRef) []bool {
	keep := make([]bool, len(refs))
	for i := range keep {
		keep[i] = true
	}

	now := f.nowFn()
	var queries []models.HistogramQuery
	var checks []capCheck
	packagesByBuyer := make(map[string][]string)

	for i, ref := range refs {
		if ref.filters == nil {
			continue
		}
		if f.frequencyCapping && ref.filters.FrequencyCap != nil {
			for _, t := range models.EventTypes {
				for _, c := range ref.filters.FrequencyCap.CapsFor(t) {
					q := models.HistogramQuery{
						AdCounterKey: c.AdCounterKey,
						Buyer:        ref.buyer,
						Type:         t,
						Since:        now.Add(-c.Interval),
					}
					if t == models.EventWin {
						q.CustomAudienceOwner = ref.owner
						q.CustomAudienceName = ref.name
					}
					queries = append(queries, q)
					checks = append(checks, capCheck{ad: i, maxCount: c.MaxCount})
				}
			}
		}
		if f.appInstallFilters && ref.filters.AppInstall != nil {
			packagesByBuyer[ref.buyer] = append(packagesByBuyer[ref.buyer], ref.filters.AppInstall.PackageNames...)
		}
	}

	if len(queries) > 0 {
		counts, err := f.histograms.CountHistogramEvents(ctx, queries)
		if err != nil {
			// fail open
			f.logger.Warn("frequency cap lookup failed, keeping ads", zap.Error(err), zap.Int("queries", len(queries)))
		} else {
			capped := 0
			for j, check := range checks {
				if keep[check.ad] && counts[j] >= int64(check.maxCount) {
					keep[check.ad] = false
					capped++
				}
			}
			f.metrics.AddFilteredAds(reasonFrequencyCap, capped)
		}
	}

	if len(packagesByBuyer) > 0 {
		installed, err := f.appInstalls.InstalledApps(ctx, packagesByBuyer)
		if err != nil {
			f.logger.Warn("app install lookup failed, keeping ads", zap.Error(err))
		} else {
			excluded := 0
			for i, ref := range refs {
				if !keep[i] || ref.filters == nil || ref.filters.AppInstall == nil {
					continue
				}
				for _, pkg := range ref.filters.AppInstall.PackageNames {
					if installed[ref.buyer][pkg] {
						keep[i] = false
						excluded++
						break
					}
				}
			}
			f.metrics.AddFilteredAds(reasonAppInstall, excluded)
		}
	}

	return keep
}
