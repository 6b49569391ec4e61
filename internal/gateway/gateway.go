// Package gateway turns strategy webhook signals into an entry order
// plus a protective stop-loss/target trigger pair.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/internal/executor"
	"trigger_engine/pkg/apperrors"
	"trigger_engine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const recentRingSize = 100

// cashExchange is where the underlying itself trades; signals omit
// their exchange more often than not.
const cashExchange = "NSE"

// Signal is the webhook payload. trade_type is the canonical side
// field; action is the alias older strategy scripts emit.
type Signal struct {
	WebhookKey    string   `json:"webhook_key"`
	Symbol        string   `json:"symbol"`
	TradeType     string   `json:"trade_type"`
	Action        string   `json:"action"`
	Exchange      string   `json:"exchange"`
	Timeframe     string   `json:"timeframe"`
	EventTime     string   `json:"event_time"`
	Price         float64  `json:"price"`
	ATR           float64  `json:"atr"`
	LotMultiplier int      `json:"lot_multiplier"`
	Accounts      []string `json:"accounts,omitempty"`
}

// AccountResult is the per-account outcome in the response.
type AccountResult struct {
	BrokerAccountID string `json:"broker_account_id"`
	Status          string `json:"status"`
	OrderID         string `json:"order_id,omitempty"`
	TriggerPairID   string `json:"trigger_pair_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Response is the webhook reply body.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Results []AccountResult `json:"results,omitempty"`
}

// Gateway implements the webhook pipeline. Each request is rate
// limited per source IP, audited whether or not it is accepted, and
// fanned out to the key's broker accounts.
type Gateway struct {
	cfg    config.GatewayConfig
	store  core.ITriggerStore
	placer executor.OrderPlacer
	logger core.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	recent   []core.WebhookLog

	metrics *telemetry.MetricsHolder
	now     func() time.Time
}

// New creates the gateway.
func New(cfg config.GatewayConfig, store core.ITriggerStore, placer executor.OrderPlacer, logger core.ILogger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		store:    store,
		placer:   placer,
		logger:   logger.WithField("component", "webhook_gateway"),
		limiters: make(map[string]*rate.Limiter),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      time.Now,
	}
}

// HandleWebhook is the POST /webhook handler.
func (g *Gateway) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ip := sourceIP(r)

	if !g.limiter(ip).Allow() {
		g.reject(w, r, ip, "", http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		g.reject(w, r, ip, "", http.StatusBadRequest, "unreadable body")
		return
	}
	raw := string(body)

	var sig Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		g.reject(w, r, ip, raw, http.StatusBadRequest, "malformed JSON payload")
		return
	}
	sig = normalizeSignal(sig)

	if msg := validateSignal(sig); msg != "" {
		g.reject(w, r, ip, raw, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	key, err := g.store.WebhookKeyByKey(ctx, sig.WebhookKey)
	if err != nil {
		g.reject(w, r, ip, raw, http.StatusInternalServerError, "key lookup failed")
		return
	}
	if key == nil || !key.Active {
		g.reject(w, r, ip, raw, http.StatusUnauthorized, apperrors.ErrWebhookKeyInvalid.Error())
		return
	}

	active, err := g.store.ActiveBrokerConnections(ctx)
	if err != nil {
		g.reject(w, r, ip, raw, http.StatusInternalServerError, "account lookup failed")
		return
	}
	accounts := resolveAccounts(key.BrokerAccountIDs, sig.Accounts, active)
	if len(accounts) == 0 {
		g.reject(w, r, ip, raw, http.StatusBadRequest, "no active broker accounts for key")
		return
	}

	contract, err := g.resolveContract(ctx, sig.Symbol)
	if err != nil {
		g.reject(w, r, ip, raw, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.store.TouchWebhookKey(ctx, key.ID); err != nil {
		g.logger.Warn("Webhook key touch failed", "key_id", key.ID, "error", err)
	}

	results := make([]AccountResult, 0, len(accounts))
	anyOK := false
	for _, accountID := range accounts {
		res := g.processAccount(ctx, key.UserID, accountID, sig, contract)
		if res.Status == "success" {
			anyOK = true
		}
		results = append(results, res)
	}

	outcome := "success"
	status := http.StatusOK
	if !anyOK {
		outcome = "error"
		status = http.StatusBadGateway
	}
	g.audit(ctx, core.WebhookLog{
		SourceIP:   ip,
		RawPayload: raw,
		Outcome:    outcome,
		ReceivedAt: g.now(),
	})
	g.metrics.WebhooksTotal.Add(ctx, 1, telemetry.WebhookOutcomeAttr(outcome))

	writeJSON(w, status, Response{Status: outcome, Results: results})
}

// processAccount runs one account through the pipeline: entry order
// first, then persistence, the exit trigger pair, and a notification.
// The entry order leads so a storage hiccup never leaves a signal
// unexecuted.
func (g *Gateway) processAccount(ctx context.Context, userID, accountID string, sig Signal, contract *core.FutureContract) AccountResult {
	res := AccountResult{BrokerAccountID: accountID, Status: "error"}

	conn, err := g.store.BrokerConnectionByID(ctx, accountID)
	if err != nil || conn == nil || !conn.Active {
		res.Error = "broker account inactive or missing"
		return res
	}

	quantity := contract.LotSize * lotMultiplier(sig)
	side := core.TransactionType(sig.TradeType)

	order := core.OrderPayload{
		TradingSymbol:   contract.TradingSymbol,
		Exchange:        contract.Exchange,
		TransactionType: side,
		Quantity:        quantity,
		OrderType:       "MARKET",
		Product:         "MIS",
		Validity:        "DAY",
	}

	orderID, err := g.placer.PlaceOrder(ctx, *conn, order)
	if err != nil {
		res.Error = fmt.Sprintf("entry order failed: %v", err)
		g.logger.Error("Webhook entry order failed",
			"account_id", accountID, "symbol", contract.TradingSymbol, "error", err)
		return res
	}
	res.OrderID = orderID

	price := decimal.NewFromFloat(sig.Price)
	if err := g.store.InsertOrder(ctx, core.OrderRecord{
		OrderID:         orderID,
		UserID:          userID,
		BrokerAccountID: accountID,
		TradingSymbol:   contract.TradingSymbol,
		Exchange:        contract.Exchange,
		Side:            side,
		Quantity:        quantity,
		Price:           price,
		Product:         "MIS",
		PlacedAt:        g.now(),
	}); err != nil {
		g.logger.Error("Order record insert failed", "order_id", orderID, "error", err)
	}

	stop, target := g.exitPair(userID, accountID, sig, side, price, quantity, contract)
	if err := g.store.InsertTriggerPair(ctx, stop, target); err != nil {
		// The position is open but unprotected; surface loudly.
		res.Error = fmt.Sprintf("order %s placed but trigger pair creation failed: %v", orderID, err)
		g.logger.Error("Trigger pair creation failed after entry order",
			"order_id", orderID, "account_id", accountID, "error", err)
		return res
	}
	res.TriggerPairID = stop.ParentID

	body := fmt.Sprintf("Entry order %s placed at market (signal price %s); stop %s, target %s",
		orderID, price.StringFixed(2),
		stop.Leg1.TriggerPrice.StringFixed(2), stop.Leg2.TriggerPrice.StringFixed(2))
	if pos, err := g.store.PositionFor(ctx, contract.TradingSymbol, contract.Exchange, accountID); err == nil && pos != nil && pos.Quantity != 0 {
		body += fmt.Sprintf("; position %d @ avg %s", pos.Quantity, pos.AvgPrice.StringFixed(2))
	}
	if err := g.store.InsertNotification(ctx, core.Notification{
		UserID:    userID,
		Title:     fmt.Sprintf("%s %d x %s", side, quantity, contract.TradingSymbol),
		Body:      body,
		CreatedAt: g.now(),
	}); err != nil {
		g.logger.Warn("Notification insert failed", "user_id", userID, "error", err)
	}

	res.Status = "success"
	return res
}

// exitPair builds the two mirror rows of the protective OCO pair. The
// exit side opposes the entry; leg 1 is the stop-loss, leg 2 the
// target, offset from the signal price by the ATR multiples.
func (g *Gateway) exitPair(userID, accountID string, sig Signal, entrySide core.TransactionType, price decimal.Decimal, quantity int, contract *core.FutureContract) (*core.Trigger, *core.Trigger) {
	atr := decimal.NewFromFloat(sig.ATR)
	slOffset := atr.Mul(decimal.NewFromFloat(g.cfg.StopATRMult))
	tgtOffset := atr.Mul(decimal.NewFromFloat(g.cfg.TargetATRMult))

	var stopPrice, targetPrice decimal.Decimal
	if entrySide == core.TransactionBuy {
		stopPrice = price.Sub(slOffset)
		targetPrice = price.Add(tgtOffset)
	} else {
		stopPrice = price.Add(slOffset)
		targetPrice = price.Sub(tgtOffset)
	}

	parentID := uuid.NewString()
	ref := price
	now := g.now()

	meta := map[string]string{"source": "webhook"}
	if sig.Timeframe != "" {
		meta["timeframe"] = sig.Timeframe
	}
	if sig.EventTime != "" {
		meta["event_time"] = sig.EventTime
	}

	build := func() *core.Trigger {
		m := make(map[string]string, len(meta))
		for k, v := range meta {
			m[k] = v
		}
		return &core.Trigger{
			ID:              uuid.NewString(),
			UserID:          userID,
			BrokerAccountID: accountID,
			Exchange:        contract.Exchange,
			TradingSymbol:   contract.TradingSymbol,
			InstrumentToken: contract.InstrumentToken,
			ConditionType:   core.ConditionTwoLeg,
			TransactionType: entrySide.Opposite(),
			Leg1: core.Leg{
				Product:      "MIS",
				TriggerPrice: stopPrice,
				OrderPrice:   stopPrice,
				Quantity:     quantity,
			},
			Leg2: &core.Leg{
				Product:      "MIS",
				TriggerPrice: targetPrice,
				OrderPrice:   targetPrice,
				Quantity:     quantity,
			},
			ParentID:       parentID,
			ReferencePrice: &ref,
			Status:         core.StatusActive,
			Meta:           m,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	return build(), build()
}

// resolveContract picks the tradable futures contract for the
// underlying. Near the month's rollover the nearest expiry is too
// close to carry, so the next one is taken instead.
func (g *Gateway) resolveContract(ctx context.Context, underlying string) (*core.FutureContract, error) {
	today := g.now()
	contracts, err := g.store.ActiveFutures(ctx, strings.ToUpper(underlying), today)
	if err != nil {
		return nil, fmt.Errorf("futures lookup failed for %s", underlying)
	}

	idx := 0
	if today.Day() > g.cfg.RolloverDay {
		idx = 1
	}
	if idx >= len(contracts) {
		return nil, fmt.Errorf("%w for %s (expiry slot %d)", apperrors.ErrContractNotFound, underlying, idx)
	}
	return &contracts[idx], nil
}

// RecentLogs returns a copy of the in-memory audit ring, newest last.
func (g *Gateway) RecentLogs() []core.WebhookLog {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.WebhookLog, len(g.recent))
	copy(out, g.recent)
	return out
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, ip, raw string, status int, reason string) {
	g.audit(r.Context(), core.WebhookLog{
		SourceIP:   ip,
		RawPayload: raw,
		Outcome:    "rejected",
		Reason:     reason,
		ReceivedAt: g.now(),
	})
	g.metrics.WebhooksTotal.Add(r.Context(), 1, telemetry.WebhookOutcomeAttr("rejected"))
	g.logger.Warn("Webhook rejected", "ip", ip, "status", status, "reason", reason)
	writeJSON(w, status, Response{Status: "rejected", Message: reason})
}

// audit records the request durably and in the ring buffer. A storage
// failure downgrades to a log line; auditing never blocks a signal.
func (g *Gateway) audit(ctx context.Context, l core.WebhookLog) {
	g.mu.Lock()
	g.recent = append(g.recent, l)
	if len(g.recent) > recentRingSize {
		g.recent = g.recent[len(g.recent)-recentRingSize:]
	}
	g.mu.Unlock()

	if err := g.store.AppendWebhookLog(ctx, l); err != nil {
		g.logger.Warn("Webhook audit write failed", "error", err)
	}
}

func (g *Gateway) limiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.RateBurst)
		g.limiters[ip] = l
	}
	return l
}

// normalizeSignal folds the action alias into trade_type, uppercases
// the side, and fills the exchange default.
func normalizeSignal(sig Signal) Signal {
	if sig.TradeType == "" {
		sig.TradeType = sig.Action
	}
	sig.TradeType = strings.ToUpper(sig.TradeType)
	if sig.Exchange == "" {
		sig.Exchange = cashExchange
	}
	return sig
}

func validateSignal(sig Signal) string {
	switch {
	case sig.WebhookKey == "":
		return "missing webhook_key"
	case sig.Symbol == "":
		return "missing symbol"
	case sig.TradeType != "BUY" && sig.TradeType != "SELL":
		return "trade_type must be BUY or SELL"
	case sig.Price <= 0:
		return "price must be positive"
	case sig.ATR <= 0:
		return "atr must be positive"
	}
	return ""
}

// resolveAccounts intersects the key's account list, the request's
// optional narrowing, and the accounts currently connected.
func resolveAccounts(keyAccounts, requested []string, active []core.BrokerConnection) []string {
	usable := keyAccounts
	if len(requested) > 0 {
		allowed := make(map[string]struct{}, len(keyAccounts))
		for _, a := range keyAccounts {
			allowed[a] = struct{}{}
		}
		usable = nil
		for _, a := range requested {
			if _, ok := allowed[a]; ok {
				usable = append(usable, a)
			}
		}
	}

	connected := make(map[string]struct{}, len(active))
	for _, c := range active {
		connected[c.ID] = struct{}{}
	}
	var out []string
	for _, a := range usable {
		if _, ok := connected[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

func lotMultiplier(sig Signal) int {
	if sig.LotMultiplier > 0 {
		return sig.LotMultiplier
	}
	return 1
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
