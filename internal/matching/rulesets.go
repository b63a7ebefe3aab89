package matching

import (
	"fmt"
	"rgehrsitz/ioirex/internal/routing"
	"rgehrsitz/ioirex/internal/rules"
	"time"

	"github.com/rs/zerolog"
)

// Rule names of the matching chain, in evaluation order.
const (
	RuleValidIOI   = "ValidIOI"
	RuleValidOrder = "ValidOrder"
	RuleValidPair  = "ValidPair"
)

// Order statuses reported by the order-state rule set.
const (
	StatusNew     = "NEW"
	StatusWorking = "WORKING"
	StatusFilled  = "FILLED"
)

// Config controls the matching rule chain and the builder.
type Config struct {
	RuleSet           string
	OrderStateRuleSet string
	InstrumentType    string
	AssetClass        string
	// MatchTicker additionally requires the IOI and order tickers to agree.
	MatchTicker bool
	// RebuildPurged rebuilds a purged pair when one of its entities changes.
	RebuildPurged    bool
	TrackOrderStates bool
	// RouteTimeout bounds each call to the router.
	RouteTimeout time.Duration
	Now          func() time.Time
	Logger       *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.RuleSet == "" {
		c.RuleSet = "IOIMatch"
	}
	if c.OrderStateRuleSet == "" {
		c.OrderStateRuleSet = "OrderStates"
	}
	if c.InstrumentType == "" {
		c.InstrumentType = "stock"
	}
	if c.AssetClass == "" {
		c.AssetClass = "Equity"
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return c.Logger.With().Str("component", "matching").Logger()
}

// BuildMatchRuleSet creates the IOI matching chain on engine:
//
//	ValidIOI   instrument type and expiry; purges the pair when false
//	ValidOrder asset class; purges the pair when false
//	ValidPair  both sides valid and the IOI shows enough size; routes when true
func BuildMatchRuleSet(engine *rules.Engine, cfg Config, router routing.Router) (*rules.RuleSet, error) {
	cfg = cfg.withDefaults()
	rs, err := engine.CreateRuleSet(cfg.RuleSet)
	if err != nil {
		return nil, err
	}

	purge := engine.CreateAction("PurgeDataSet", rules.PurgeDataSet())

	rs.AddRule(RuleValidIOI).
		AddCondition(IsInstrumentType(cfg.InstrumentType)).
		AddCondition(IOINotExpired(cfg.Now)).
		AddAction(rules.OnTrue, engine.CreateAction("SetIOIValid", rules.SetFlag(KeyIOIIsValid, true))).
		AddAction(rules.OnFalse, purge)

	rs.AddRule(RuleValidOrder).
		AddCondition(IsAssetClass(cfg.AssetClass)).
		AddAction(rules.OnTrue, engine.CreateAction("SetOrderValid", rules.SetFlag(KeyOrderIsValid, true))).
		AddAction(rules.OnFalse, purge)

	pair := rs.AddRule(RuleValidPair).
		AddCondition(BothValid()).
		AddCondition(SideQuantityCompatible())
	if cfg.MatchTicker {
		pair.AddCondition(TickersMatch())
	}
	route := NewRouteAction(router, cfg.Now, cfg.RouteTimeout, cfg.logger())
	pair.AddAction(rules.OnTrue, engine.CreateAction("RouteToBroker", route))

	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("rule set %s: %w", cfg.RuleSet, err)
	}
	return rs, nil
}

// BuildOrderStateRuleSet creates the rule set that reports order lifecycle
// states over single-order data sets.
func BuildOrderStateRuleSet(engine *rules.Engine, cfg Config) (*rules.RuleSet, error) {
	cfg = cfg.withDefaults()
	rs, err := engine.CreateRuleSet(cfg.OrderStateRuleSet)
	if err != nil {
		return nil, err
	}
	logger := cfg.logger()
	for _, s := range []struct{ rule, status, msg string }{
		{"OrderNew", StatusNew, "New order"},
		{"OrderWorking", StatusWorking, "Order working"},
		{"OrderFilled", StatusFilled, "Order filled"},
	} {
		rs.AddRule(s.rule).
			AddCondition(rules.MustCompare(KeyOrderStatus, rules.OperatorEqual, s.status)).
			AddAction(rules.OnTrue, engine.CreateAction("Show"+s.rule, ShowOrderState(s.msg, logger)))
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("rule set %s: %w", cfg.OrderStateRuleSet, err)
	}
	return rs, nil
}
