package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/observability"
)

const maxSignalsBytes = 1 << 20

// SignalsFetcher downloads trusted bidding and scoring signals. Signals are
// never cached.
type SignalsFetcher struct {
	httpClient *http.Client
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// NewSignalsFetcher creates a signals fetcher.
func NewSignalsFetcher(timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *SignalsFetcher {
	if logger == nil {
		logger = zap.L()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &SignalsFetcher{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    metrics,
	}
}

// FetchBiddingSignals requests uri?keys=k1,k2 and returns the members of the
// JSON object served.
func (f *SignalsFetcher) FetchBiddingSignals(ctx context.Context, uri string, keys []string) (signals map[string]json.RawMessage, err error) {
	defer f.observe(KindBidding, time.Now(), &err)

	body, err := f.get(ctx, uri, "keys", keys)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &signals); err != nil {
		return nil, fmt.Errorf("%w: decode bidding signals: %v", ErrFetchFailed, err)
	}
	return signals, nil
}

// FetchScoringSignals requests uri?renderUris=u1,u2 and returns the JSON served.
func (f *SignalsFetcher) FetchScoringSignals(ctx context.Context, uri string, renderURIs []string) (_ json.RawMessage, err error) {
	defer f.observe(KindScoring, time.Now(), &err)

	body, err := f.get(ctx, uri, "renderUris", renderURIs)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: scoring signals are not valid json", ErrFetchFailed)
	}
	return json.RawMessage(body), nil
}

// observe records one signal fetch of kind, decoded or not.
func (f *SignalsFetcher) observe(kind Kind, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = "error"
	}
	f.metrics.RecordSignalFetchLatency(string(kind), time.Since(start))
	f.metrics.IncrementSignalFetches(string(kind), outcome)
}

// get issues the request with the values deduplicated and sorted under param.
func (f *SignalsFetcher) get(ctx context.Context, uri, param string, values []string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parse uri: %v", ErrFetchFailed, err)
	}
	if len(values) > 0 {
		q := u.Query()
		q.Set(param, strings.Join(sortedUnique(values), ","))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrFetchFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSignalsBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if len(body) > maxSignalsBytes {
		return nil, fmt.Errorf("%w: signals exceed %d bytes", ErrFetchFailed, maxSignalsBytes)
	}
	return body, nil
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
