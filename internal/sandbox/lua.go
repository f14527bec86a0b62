package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	luajson "github.com/alicebob/gopher-json"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

const (
	scoreAdFunction       = "scoreAd"
	scoreAdsFunction      = "scoreAds"
	selectOutcomeFunction = "selectOutcome"

	defaultMaxCompiled = 256
	callStackSize      = 128
)

// globals removed from every state so scripts cannot load code or touch the host.
var blockedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage", "getfenv", "setfenv"}

// LuaEngine runs decision logic written in Lua. Every call gets a fresh
// interpreter state with only the base, table, string and math libraries.
// Compiled chunks are cached by source.
type LuaEngine struct {
	logger      *zap.Logger
	maxCompiled int

	mu     sync.RWMutex
	protos map[string]*lua.FunctionProto
}

// NewLuaEngine creates a Lua engine.
func NewLuaEngine(logger *zap.Logger) *LuaEngine {
	if logger == nil {
		logger = zap.L()
	}
	return &LuaEngine{
		logger:      logger,
		maxCompiled: defaultMaxCompiled,
		protos:      make(map[string]*lua.FunctionProto),
	}
}

func (e *LuaEngine) compile(source string) (*lua.FunctionProto, error) {
	e.mu.RLock()
	proto, ok := e.protos[source]
	e.mu.RUnlock()
	if ok {
		return proto, nil
	}

	chunk, err := parse.Parse(strings.NewReader(source), "decision_logic")
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrScriptFailed, err)
	}
	proto, err = lua.Compile(chunk, "decision_logic")
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrScriptFailed, err)
	}

	e.mu.Lock()
	if len(e.protos) >= e.maxCompiled {
		e.protos = make(map[string]*lua.FunctionProto)
	}
	e.protos[source] = proto
	e.mu.Unlock()
	return proto, nil
}

// newState returns an isolated state with the script loaded. The caller must
// close it.
func (e *LuaEngine) newState(ctx context.Context, source string) (*lua.LState, error) {
	proto, err := e.compile(source)
	if err != nil {
		return nil, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: callStackSize})
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("%w: open %q: %v", ErrScriptFailed, lib.name, err)
		}
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		e.logger.Debug("decision logic output", zap.String("output", strings.Join(parts, "\t")))
		return 0
	}))

	L.SetContext(ctx)
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, callError(ctx, err)
	}
	L.SetTop(0)
	return L, nil
}

// callError distinguishes a cancelled call from a failing script.
func callError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("sandbox: %w", ctxErr)
	}
	return fmt.Errorf("%w: %v", ErrScriptFailed, err)
}

func entryPoint(L *lua.LState, name string) (lua.LValue, error) {
	fn := L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrMissingFunction, name)
	}
	return fn, nil
}

// call invokes fn with args and returns its single result.
func call(ctx context.Context, L *lua.LState, fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return nil, callError(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// toLua converts a Go value into Lua through its JSON form. nil becomes an
// empty table.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode argument: %w", err)
	}
	if string(data) == "null" {
		return L.NewTable(), nil
	}
	return luajson.Decode(L, data)
}

// signalsToLua converts opaque JSON signals. Absent signals become an empty table.
func signalsToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return L.NewTable(), nil
	}
	v, err := luajson.Decode(L, raw)
	if err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	if v == lua.LNil {
		return L.NewTable(), nil
	}
	return v, nil
}

func signalMapToLua(L *lua.LState, signals map[string]json.RawMessage) (lua.LValue, error) {
	tbl := L.NewTable()
	for k, raw := range signals {
		v, err := signalsToLua(L, raw)
		if err != nil {
			return nil, err
		}
		tbl.RawSetString(k, v)
	}
	return tbl, nil
}

// GenerateBids runs the bidding entry point registered for the script's version.
func (e *LuaEngine) GenerateBids(ctx context.Context, script Script, in BiddingInput) ([]BidCandidate, error) {
	sig, err := BiddingSignatureFor(script.Version)
	if err != nil {
		return nil, err
	}

	L, err := e.newState(ctx, script.Source)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	fn, err := entryPoint(L, sig.Function)
	if err != nil {
		return nil, err
	}

	ca, err := toLua(L, in.CustomAudience)
	if err != nil {
		return nil, err
	}
	auction, err := signalsToLua(L, in.AuctionSignals)
	if err != nil {
		return nil, err
	}
	perBuyer, err := signalsToLua(L, in.PerBuyerSignals)
	if err != nil {
		return nil, err
	}
	trusted, err := signalMapToLua(L, in.TrustedBiddingSignals)
	if err != nil {
		return nil, err
	}
	contextual, err := signalsToLua(L, in.ContextualSignals)
	if err != nil {
		return nil, err
	}
	args := []lua.LValue{ca, auction, perBuyer, trusted, contextual}
	if len(args) != sig.Args {
		return nil, fmt.Errorf("%w: bidding logic version %d expects %d arguments", ErrUnsupportedVersion, sig.Version, sig.Args)
	}

	ret, err := call(ctx, L, fn, args...)
	if err != nil {
		return nil, err
	}
	return parseBidCandidates(ret)
}

// parseBidCandidates accepts nil, a single {ad, bid, render} table or a list of them.
func parseBidCandidates(ret lua.LValue) ([]BidCandidate, error) {
	switch v := ret.(type) {
	case *lua.LNilType:
		return nil, nil
	case *lua.LTable:
		if v.RawGetString("bid") != lua.LNil {
			c, err := parseBidCandidate(v)
			if err != nil {
				return nil, err
			}
			return []BidCandidate{c}, nil
		}
		out := make([]BidCandidate, 0, v.Len())
		for i := 1; i <= v.Len(); i++ {
			entry, ok := v.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, fmt.Errorf("%w: bid %d is not a table", ErrInvalidOutput, i)
			}
			c, err := parseBidCandidate(entry)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: bidding logic returned %s", ErrInvalidOutput, ret.Type())
	}
}

func parseBidCandidate(tbl *lua.LTable) (BidCandidate, error) {
	bid, ok := tbl.RawGetString("bid").(lua.LNumber)
	if !ok {
		return BidCandidate{}, fmt.Errorf("%w: bid must be a number", ErrInvalidOutput)
	}
	render, ok := tbl.RawGetString("render").(lua.LString)
	if !ok {
		return BidCandidate{}, fmt.Errorf("%w: render must be a string", ErrInvalidOutput)
	}
	c := BidCandidate{Bid: float64(bid), Render: string(render)}
	if ad := tbl.RawGetString("ad"); ad != lua.LNil {
		data, err := luajson.Encode(ad)
		if err != nil {
			return BidCandidate{}, fmt.Errorf("%w: ad: %v", ErrInvalidOutput, err)
		}
		c.Metadata = data
	}
	return c, nil
}

// ScoreAds scores all ads in one state. A script defining scoreAds receives the
// whole batch and returns keyed scores; otherwise scoreAd is called per ad.
func (e *LuaEngine) ScoreAds(ctx context.Context, script Script, in ScoringInput) ([]AdScore, error) {
	L, err := e.newState(ctx, script.Source)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	auctionConfig, err := signalsToLua(L, in.AuctionConfig)
	if err != nil {
		return nil, err
	}
	sellerSignals, err := signalsToLua(L, in.SellerSignals)
	if err != nil {
		return nil, err
	}
	trusted, err := signalsToLua(L, in.TrustedScoringSignals)
	if err != nil {
		return nil, err
	}

	if batched := L.GetGlobal(scoreAdsFunction); batched.Type() == lua.LTFunction {
		ads, err := toLua(L, in.Ads)
		if err != nil {
			return nil, err
		}
		contextual, err := signalMapToLua(L, in.ContextualSignals)
		if err != nil {
			return nil, err
		}
		ret, err := call(ctx, L, batched, ads, auctionConfig, sellerSignals, trusted, contextual)
		if err != nil {
			return nil, err
		}
		return parseKeyedScores(ret)
	}

	fn, err := entryPoint(L, scoreAdFunction)
	if err != nil {
		return nil, err
	}
	out := make([]AdScore, 0, len(in.Ads))
	for _, ad := range in.Ads {
		adArg, err := toLua(L, ad.Ad)
		if err != nil {
			return nil, err
		}
		contextual, err := signalsToLua(L, in.ContextualSignals[ad.CustomAudience.Buyer])
		if err != nil {
			return nil, err
		}
		caSignals, err := toLua(L, ad.CustomAudience)
		if err != nil {
			return nil, err
		}
		ret, err := call(ctx, L, fn, adArg, lua.LNumber(ad.Bid), auctionConfig, sellerSignals, trusted, contextual, caSignals)
		if err != nil {
			return nil, err
		}
		score, err := parseScore(ret)
		if err != nil {
			return nil, fmt.Errorf("ad %s: %w", ad.Key, err)
		}
		out = append(out, AdScore{Key: ad.Key, Score: score})
	}
	return out, nil
}

// parseScore accepts a number or a {score = number} table.
func parseScore(ret lua.LValue) (float64, error) {
	switch v := ret.(type) {
	case lua.LNumber:
		return float64(v), nil
	case *lua.LTable:
		if n, ok := v.RawGetString("score").(lua.LNumber); ok {
			return float64(n), nil
		}
	}
	return 0, fmt.Errorf("%w: score must be a number", ErrInvalidOutput)
}

func parseKeyedScores(ret lua.LValue) ([]AdScore, error) {
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: scoreAds returned %s", ErrInvalidOutput, ret.Type())
	}
	out := make([]AdScore, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		entry, ok := tbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%w: score %d is not a table", ErrInvalidOutput, i)
		}
		key, ok := entry.RawGetString("key").(lua.LString)
		if !ok {
			return nil, fmt.Errorf("%w: score %d has no key", ErrInvalidOutput, i)
		}
		score, err := parseScore(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, AdScore{Key: string(key), Score: score})
	}
	return out, nil
}

// SelectOutcome runs selectOutcome(outcomes, selection_signals). The script
// returns nil, an id string or a table whose id field is a string.
func (e *LuaEngine) SelectOutcome(ctx context.Context, script Script, outcomes []SelectionOutcome, selectionSignals json.RawMessage) (string, bool, error) {
	L, err := e.newState(ctx, script.Source)
	if err != nil {
		return "", false, err
	}
	defer L.Close()

	fn, err := entryPoint(L, selectOutcomeFunction)
	if err != nil {
		return "", false, err
	}
	list, err := toLua(L, outcomes)
	if err != nil {
		return "", false, err
	}
	signals, err := signalsToLua(L, selectionSignals)
	if err != nil {
		return "", false, err
	}

	ret, err := call(ctx, L, fn, list, signals)
	if err != nil {
		return "", false, err
	}
	switch v := ret.(type) {
	case *lua.LNilType:
		return "", false, nil
	case lua.LString:
		return string(v), true, nil
	case *lua.LTable:
		if id, ok := v.RawGetString("id").(lua.LString); ok {
			return string(id), true, nil
		}
	}
	return "", false, fmt.Errorf("%w: selected outcome must carry a string id", ErrInvalidOutput)
}
