package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/api"
	"github.com/patrickwarner/adselection/internal/config"
	"github.com/patrickwarner/adselection/internal/db"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

var (
	buyerCount   = flag.Int("buyers", 3, "number of buyers")
	audiencesPer = flag.Int("audiences", 5, "custom audiences per buyer")
	adsPer       = flag.Int("ads", 3, "ads per custom audience")
	owner        = flag.String("owner", "com.example.app", "package that owns the audiences")
	biddingLogic = flag.String("bidding-logic", "https://%s/bidding.lua", "bidding logic URI template, %s is replaced by the buyer")
	capRatio     = flag.Float64("cap-ratio", 0.3, "share of ads carrying a win frequency cap")
	seed         = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload   = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	r := rand.New(rand.NewSource(*seed))
	ctx := context.Background()

	inserted := 0
	for b := 0; b < *buyerCount; b++ {
		buyer := fakeDomain(r)
		for a := 0; a < *audiencesPer; a++ {
			ca := randomAudience(r, buyer, a)
			if err := pg.UpsertCustomAudience(ctx, ca); err != nil {
				logger.Fatal("insert custom audience", zap.String("buyer", buyer), zap.Error(err))
			}
			inserted++
		}
	}

	fmt.Printf("%d custom audiences inserted\n", inserted)

	if !*skipReload {
		if err := callReloadEndpoint(&cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

func randomAudience(r *rand.Rand, buyer string, n int) models.CustomAudience {
	now := time.Now().UTC()
	signals, _ := json.Marshal(map[string]any{"affinity": r.Float64()})
	ca := models.CustomAudience{
		Owner:              *owner,
		Buyer:              buyer,
		Name:               fmt.Sprintf("%s-%d", fakeInterest(r), n),
		ActivationTime:     now.Add(-time.Hour),
		ExpirationTime:     now.Add(time.Duration(1+r.Intn(30)) * 24 * time.Hour),
		BiddingLogicURI:    fmt.Sprintf(*biddingLogic, buyer),
		UserBiddingSignals: signals,
		TrustedBiddingData: &models.TrustedBiddingData{
			URI:  fmt.Sprintf("https://%s/trusted", buyer),
			Keys: []string{"budget", "pacing"},
		},
	}
	for i := 0; i < *adsPer; i++ {
		ca.Ads = append(ca.Ads, randomAd(r, buyer, ca.Name, i))
	}
	return ca
}

func randomAd(r *rand.Rand, buyer, audience string, i int) models.AdRecord {
	metadata, _ := json.Marshal(map[string]any{
		"price":    float64(1+r.Intn(500)) / 100,
		"campaign": fakeCampaignName(r),
	})
	key := fmt.Sprintf("%s:%s", audience, fakeCampaignName(r))
	ad := models.AdRecord{
		RenderURI:     fmt.Sprintf("https://%s/ads/%s/%d", buyer, audience, i),
		Metadata:      metadata,
		AdCounterKeys: models.AdCounterKeys{key},
	}
	if r.Float64() < *capRatio {
		ad.Filters = &models.AdFilters{FrequencyCap: &models.FrequencyCapFilters{
			ForWinEvents: []models.KeyedFrequencyCap{{
				AdCounterKey: key,
				MaxCount:     1 + r.Intn(5),
				Interval:     time.Duration(1+r.Intn(24)) * time.Hour,
			}},
		}}
	}
	return ad
}

func callReloadEndpoint(cfg *config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest("POST", reloadURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(api.CallerHeader, *owner)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// random helpers

var domainWords = []string{"alpha", "beta", "gamma", "delta", "omega", "ad", "market"}
var domainTLDs = []string{"com", "net", "io", "dev"}

func fakeDomain(r *rand.Rand) string {
	return fmt.Sprintf("%s%d.%s", domainWords[r.Intn(len(domainWords))], r.Intn(1000), domainTLDs[r.Intn(len(domainTLDs))])
}

var interests = []string{"shoes", "travel", "fitness", "gaming", "cooking", "music"}

func fakeInterest(r *rand.Rand) string {
	return interests[r.Intn(len(interests))]
}

func fakeCampaignName(r *rand.Rand) string {
	seasons := []string{"spring", "summer", "fall", "winter", "holiday"}
	products := []string{"sale", "launch", "promo", "special"}
	return fmt.Sprintf("%s-%s-%d", seasons[r.Intn(len(seasons))], products[r.Intn(len(products))], r.Intn(100))
}
