package planner

import (
	"context"
	"log/slog"
	"math/big"

	"crossvault/bridge"
	"crossvault/escrow"
	"crossvault/networks"
)

const (
	// Leg confidence starts at 100, loses 10 per bridge hop beyond the
	// first and 15 when the estimated time exceeds slowLegSeconds, floored
	// at minLegConfidence.
	minLegConfidence  = 50
	minPlanConfidence = 60
	slowLegSeconds    = 1800
	hopPenalty        = 10
	slowPenalty       = 15
)

// Wallet pairs an address with its network.
type Wallet struct {
	Address string
	Network networks.Network
}

// Request describes a planning run. Planning is pure computation: nothing is
// persisted until the execution engine prepares the legs.
type Request struct {
	Buyer         Wallet
	Seller        Wallet
	Amount        *big.Int
	Asset         string
	EscrowNetwork networks.Network
}

// Leg is one directional bridge hop of the plan.
type Leg struct {
	Index                int // 1 buyer→escrow, 2 escrow→seller
	Source               networks.Network
	Target               networks.Network
	QuoteID              string
	BridgesUsed          []string
	EstimatedTimeSeconds int64
	TotalFee             *big.Int
	Confidence           int
}

// RoutePlan is the ephemeral output of planning. TotalSteps counts the
// bridge legs plus the escrow-internal release step.
type RoutePlan struct {
	Legs       []Leg
	Confidence int
	TotalSteps int
	Amount     *big.Int
	Asset      string
	Escrow     networks.Network
}

// Planner computes 0–2 leg bridge plans over the validator and the bridge
// aggregation client.
type Planner struct {
	validator *networks.Validator
	bridge    bridge.Client
	log       *slog.Logger
}

// New constructs a planner.
func New(validator *networks.Validator, client bridge.Client, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{validator: validator, bridge: client, log: log}
}

// PlanCrossChainEscrow validates both parties and quotes the legs required
// to move funds buyer→escrow and escrow→seller.
func (p *Planner) PlanCrossChainEscrow(ctx context.Context, req Request) (*RoutePlan, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, &escrow.ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	if err := p.validator.CheckAddress(req.Buyer.Network, req.Buyer.Address); err != nil {
		return nil, err
	}
	if err := p.validator.CheckAddress(req.Seller.Network, req.Seller.Address); err != nil {
		return nil, err
	}
	if err := p.validator.CheckPair(req.Buyer.Network, req.EscrowNetwork, "buyer"); err != nil {
		return nil, err
	}
	if err := p.validator.CheckPair(req.EscrowNetwork, req.Seller.Network, "seller"); err != nil {
		return nil, err
	}

	plan := &RoutePlan{
		Amount: new(big.Int).Set(req.Amount),
		Asset:  req.Asset,
		Escrow: req.EscrowNetwork,
	}
	if req.Buyer.Network != req.EscrowNetwork {
		leg, err := p.quoteLeg(ctx, 1, req.Buyer.Network, req.EscrowNetwork, req.Amount, req.Asset)
		if err != nil {
			return nil, err
		}
		plan.Legs = append(plan.Legs, *leg)
	}
	if req.Seller.Network != req.EscrowNetwork {
		leg, err := p.quoteLeg(ctx, 2, req.EscrowNetwork, req.Seller.Network, req.Amount, req.Asset)
		if err != nil {
			return nil, err
		}
		plan.Legs = append(plan.Legs, *leg)
	}
	plan.Confidence = planConfidence(plan.Legs)
	plan.TotalSteps = len(plan.Legs) + 1
	p.log.Debug("route planned",
		"legs", len(plan.Legs),
		"confidence", plan.Confidence,
		"totalSteps", plan.TotalSteps,
	)
	return plan, nil
}

func (p *Planner) quoteLeg(ctx context.Context, index int, source, target networks.Network, amount *big.Int, asset string) (*Leg, error) {
	quote, err := p.bridge.QuoteRoute(ctx, source, target, amount, asset)
	if err != nil {
		return nil, err
	}
	return &Leg{
		Index:                index,
		Source:               source,
		Target:               target,
		QuoteID:              quote.ID,
		BridgesUsed:          append([]string(nil), quote.Bridges...),
		EstimatedTimeSeconds: quote.EstimatedTime,
		TotalFee:             quote.TotalFee,
		Confidence:           legConfidence(quote),
	}, nil
}

func legConfidence(quote *bridge.RouteQuote) int {
	confidence := 100
	if hops := len(quote.Bridges); hops > 1 {
		confidence -= hopPenalty * (hops - 1)
	}
	if quote.EstimatedTime > slowLegSeconds {
		confidence -= slowPenalty
	}
	if confidence < minLegConfidence {
		confidence = minLegConfidence
	}
	return confidence
}

// planConfidence aggregates: 100 minus half of each leg's shortfall from
// 100, floored at 60.
func planConfidence(legs []Leg) int {
	confidence := 100
	for _, leg := range legs {
		confidence -= (100 - leg.Confidence) / 2
	}
	if confidence < minPlanConfidence {
		confidence = minPlanConfidence
	}
	return confidence
}
