package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patrickwarner/adselection/internal/api"
	"github.com/patrickwarner/adselection/internal/config"
	"github.com/patrickwarner/adselection/internal/db"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

var (
	server        string
	callerCSV     string
	buyerCSV      string
	seller        string
	decisionLogic string
	totalReq      int
	conc          int
	duration      time.Duration
	rate          float64
	viewRate      float64
	clickRate     float64
	stats         bool
	flush         bool
	redisAddr     string
	debug         bool
	label         string
	jitter        float64
)

var logger *zap.Logger

// HTTP client with proper resource limits
var httpClient *http.Client

const statsInterval = 5 * time.Second

var (
	countSent         uint64
	countWins         uint64
	countNoWinner     uint64
	countThrottled    uint64
	countErrors       uint64
	countInteractions uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "ad selection server base URL")
	flag.StringVar(&callerCSV, "callers", "com.example.app", "comma-separated caller packages")
	flag.StringVar(&buyerCSV, "buyers", "", "comma-separated custom audience buyers")
	flag.StringVar(&seller, "seller", "seller.example", "seller running the auctions")
	flag.StringVar(&decisionLogic, "decision-logic", "ad-selection-prebuilt://ad-selection/highest-bid-wins/", "seller decision logic URI")
	flag.IntVar(&totalReq, "requests", 1000, "total ad selections to run")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&viewRate, "view-rate", 0.5, "probability of a view per impression")
	flag.Float64Var(&clickRate, "click-rate", 0.05, "probability of a click per impression")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush histograms before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	buyers := splitCSV(buyerCSV)
	if len(buyers) == 0 {
		fmt.Fprintln(os.Stderr, "buyers required")
		os.Exit(1)
	}
	callers := splitCSV(callerCSV)

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushHistograms()
	}

	auctionBody, err := json.Marshal(models.AuctionConfig{
		Seller:               seller,
		DecisionLogicURI:     decisionLogic,
		CustomAudienceBuyers: buyers,
	})
	if err != nil {
		logger.Fatal("marshal auction config", zap.Error(err))
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if jitter > 0 {
				jf := 1 + (rand.Float64()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)
			runOne(callers[rand.Intn(len(callers))], auctionBody)
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

// runOne runs an ad selection and reports interactions for a won ad.
func runOne(caller string, auctionBody []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, body, err := post(ctx, "/v1/adselection", caller, auctionBody)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("ad selection request error", zap.Error(err))
		return
	}
	switch status {
	case http.StatusOK:
	case http.StatusNoContent:
		atomic.AddUint64(&countNoWinner, 1)
		return
	case http.StatusTooManyRequests:
		atomic.AddUint64(&countThrottled, 1)
		return
	default:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", status), zap.String("body", strings.TrimSpace(string(body))))
		return
	}

	var res api.AdSelectionResponse
	if err := json.Unmarshal(body, &res); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err))
		return
	}
	atomic.AddUint64(&countWins, 1)

	events := []models.EventType{models.EventImpression}
	if rand.Float64() < viewRate {
		events = append(events, models.EventView)
	}
	if rand.Float64() < clickRate {
		events = append(events, models.EventClick)
	}
	for _, ev := range events {
		blob, _ := json.Marshal(api.InteractionRequest{AdSelectionID: res.AdSelectionID, EventType: string(ev)})
		status, _, err := post(ctx, "/v1/interactions", caller, blob)
		if err != nil || status != http.StatusNoContent {
			atomic.AddUint64(&countErrors, 1)
			logger.Error("interaction error", zap.String("event_type", string(ev)), zap.Int("status", status), zap.Error(err))
			continue
		}
		atomic.AddUint64(&countInteractions, 1)
	}
	logger.Debug("auction won", zap.Int64("ad_selection_id", res.AdSelectionID), zap.String("render_uri", res.RenderURI))
}

func post(ctx context.Context, path, caller string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.CallerHeader, caller)
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// flushHistograms deletes recorded histogram events, keeping app install state.
func flushHistograms() {
	ctx := context.Background()
	addr := redisAddr
	if addr == "" {
		addr = config.Load().RedisAddr
	}
	store, err := db.InitRedis(ctx, addr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	flushed := 0
	iter := store.Client.Scan(ctx, 0, "histogram:*", 500).Iterator()
	for iter.Next(ctx) {
		if err := store.Client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Error("failed to delete key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		flushed++
	}
	if err := iter.Err(); err != nil {
		logger.Error("scan histograms", zap.Error(err))
	}
	logger.Info("redis histograms flushed", zap.String("addr", addr), zap.Int("keys_deleted", flushed))
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	wins := atomic.LoadUint64(&countWins)
	none := atomic.LoadUint64(&countNoWinner)
	throttled := atomic.LoadUint64(&countThrottled)
	errs := atomic.LoadUint64(&countErrors)
	interactions := atomic.LoadUint64(&countInteractions)
	var fillRate float64
	if sent > 0 {
		fillRate = float64(wins) / float64(sent)
	}
	logger.Info("stats", zap.String("run", label),
		zap.Uint64("sent", sent),
		zap.Uint64("wins", wins),
		zap.Uint64("no_winner", none),
		zap.Uint64("throttled", throttled),
		zap.Uint64("errors", errs),
		zap.Uint64("interactions", interactions),
		zap.Float64("fill_rate", fillRate))
}
