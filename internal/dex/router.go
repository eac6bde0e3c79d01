// Package dex mocks the swap backends. Shapes are deterministic, magnitudes
// are random, and every random draw comes from an injected PRNG so scenarios
// replay exactly under a fixed seed.
package dex

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dexflow/dexflow/internal/models"
)

// WrappedSOLMint is the canonical wrapped-SOL address. The symbol "SOL" is
// aliased to it before quoting; the client keeps seeing "SOL".
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// backend describes one mock venue. Price band is a multiplier on basePrice.
type backend struct {
	name      models.DEX
	fee       float64
	gas       float64
	priceLow  float64
	priceHigh float64
}

var backends = [2]backend{
	{name: models.DEXRaydium, fee: 0.003, gas: 5e-5, priceLow: 0.98, priceHigh: 1.02},
	{name: models.DEXMeteora, fee: 0.002, gas: 4e-5, priceLow: 0.97, priceHigh: 1.02},
}

// Params are the behavioral knobs of the mock. Latency ranges, price band
// and the failure probability are contract values; tests zero the latencies
// and force the failure rate.
type Params struct {
	BasePrice       float64
	QuoteLatencyMin time.Duration
	QuoteLatencyMax time.Duration
	ExecLatencyMin  time.Duration
	ExecLatencyMax  time.Duration
	FailureRate     float64
}

func DefaultParams() Params {
	return Params{
		BasePrice:       100,
		QuoteLatencyMin: 150 * time.Millisecond,
		QuoteLatencyMax: 250 * time.Millisecond,
		ExecLatencyMin:  2000 * time.Millisecond,
		ExecLatencyMax:  3000 * time.Millisecond,
		FailureRate:     0.05,
	}
}

// Router produces quotes from both venues, picks the better one and
// simulates execution.
type Router struct {
	params Params
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a router with the contract parameters and the given seed.
func New(seed int64) *Router {
	return NewWithParams(DefaultParams(), seed)
}

func NewWithParams(params Params, seed int64) *Router {
	return &Router{
		params: params,
		now:    func() time.Time { return time.Now().UTC() },
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// resolveMint maps the SOL symbol to the wrapped mint address. Any other
// symbol passes through untouched.
func resolveMint(symbol string) string {
	if symbol == "SOL" {
		return WrappedSOLMint
	}
	return symbol
}

// quoteDraw carries the pre-drawn randomness for one backend's quote. All
// draws happen under the lock in a fixed order before the quotes fan out,
// so a seeded router stays deterministic despite the concurrent fetch.
type quoteDraw struct {
	latency time.Duration
	price   float64
}

func (r *Router) drawQuotes() [2]quoteDraw {
	r.mu.Lock()
	defer r.mu.Unlock()

	var draws [2]quoteDraw
	for i, b := range backends {
		draws[i] = quoteDraw{
			latency: r.durationIn(r.params.QuoteLatencyMin, r.params.QuoteLatencyMax),
			price:   r.params.BasePrice * (b.priceLow + r.rng.Float64()*(b.priceHigh-b.priceLow)),
		}
	}
	return draws
}

// durationIn must be called with r.mu held.
func (r *Router) durationIn(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r.rng.Int63n(int64(max-min)))
}

func (r *Router) quote(ctx context.Context, b backend, amountIn decimal.Decimal, draw quoteDraw) (Quote, error) {
	if err := sleep(ctx, draw.latency); err != nil {
		return Quote{}, err
	}

	price := decimal.NewFromFloat(draw.price)
	fee := decimal.NewFromFloat(b.fee)
	amountOut := amountIn.Mul(price).Mul(decimal.NewFromInt(1).Sub(fee))

	return Quote{
		DEX:          b.name,
		Price:        price,
		AmountOut:    amountOut,
		Fee:          fee,
		EstimatedGas: decimal.NewFromFloat(b.gas),
	}, nil
}

// BestRoute fetches both venues concurrently and selects the quote with the
// larger amount out. Ties break toward raydium.
func (r *Router) BestRoute(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*RouteResult, error) {
	mintIn := resolveMint(tokenIn)
	mintOut := resolveMint(tokenOut)
	if mintIn != tokenIn || mintOut != tokenOut {
		log.Info().
			Str("token_in", tokenIn).
			Str("token_out", tokenOut).
			Str("mint_in", mintIn).
			Str("mint_out", mintOut).
			Msg("🔁 Aliased SOL to wrapped mint for routing")
	}

	draws := r.drawQuotes()

	var quotes [2]Quote
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			q, err := r.quote(gctx, b, amountIn, draws[i])
			if err != nil {
				return fmt.Errorf("%s quote: %w", b.name, err)
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// First-listed wins ties, so strict GreaterThan keeps raydium on equal
	// outputs.
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.AmountOut.GreaterThan(best.AmountOut) {
			best = q
		}
	}

	delta := quotes[0].AmountOut.Sub(quotes[1].AmountOut).Abs()
	reason := fmt.Sprintf("raydium out %s vs meteora out %s (delta %s): selected %s",
		quotes[0].AmountOut.StringFixed(8),
		quotes[1].AmountOut.StringFixed(8),
		delta.StringFixed(8),
		best.DEX,
	)

	log.Debug().
		Str("selected_dex", string(best.DEX)).
		Str("amount_out", best.AmountOut.String()).
		Msg("route selected")

	return &RouteResult{SelectedDEX: best.DEX, Quote: best, Reason: reason}, nil
}

// Execute simulates the swap on the selected venue. With probability
// FailureRate it fails with ErrNetworkCongestion; otherwise realized
// slippage is sampled uniformly from [0, slippage).
func (r *Router) Execute(ctx context.Context, selected models.DEX, amountIn, expectedOut, slippage decimal.Decimal) (*ExecutionResult, error) {
	r.mu.Lock()
	latency := r.durationIn(r.params.ExecLatencyMin, r.params.ExecLatencyMax)
	congested := r.rng.Float64() < r.params.FailureRate
	slipDraw := r.rng.Float64()
	nonce := r.rng.Intn(1_000_000)
	r.mu.Unlock()

	if err := sleep(ctx, latency); err != nil {
		return nil, err
	}
	if congested {
		return nil, ErrNetworkCongestion
	}

	slip := decimal.NewFromFloat(slipDraw).Mul(slippage)
	amountOut := expectedOut.Mul(decimal.NewFromInt(1).Sub(slip))
	price := decimal.Zero
	if !amountIn.IsZero() {
		price = amountOut.Div(amountIn)
	}

	txHash := fmt.Sprintf("mock_tx_%d_%06d", r.now().UnixMilli(), nonce)

	log.Debug().
		Str("dex", string(selected)).
		Str("tx_hash", txHash).
		Str("amount_out", amountOut.String()).
		Msg("swap executed")

	return &ExecutionResult{
		TxHash:        txHash,
		ExecutedPrice: price,
		AmountOut:     amountOut,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
