package router

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/log"
	"github.com/zhcnova/nova/pkg/types"
)

// PriceSource resolves per-million-token pricing for a model. The zero
// result with ok=false means no pricing is known and the heuristic
// estimate applies.
type PriceSource interface {
	Pricing(model string) (promptPerMillion, completionPerMillion float64, ok bool)
}

// openRouterPrices fetches model pricing from the OpenRouter catalog.
// Lookups are cached per model for the process lifetime; the breaker
// keeps a flapping catalog endpoint from stalling every dispatch.
type openRouterPrices struct {
	cfg     *config.Plane
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[string]*pricePair
}

type pricePair struct {
	prompt     float64
	completion float64
	ok         bool
}

func newOpenRouterPrices(cfg *config.Plane) *openRouterPrices {
	return &openRouterPrices{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CostLookupTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "openrouter-pricing",
		}),
		cache: map[string]*pricePair{},
	}
}

func (p *openRouterPrices) Pricing(model string) (float64, float64, bool) {
	if model == "" || !p.cfg.CostLookupEnabled || p.cfg.OpenRouterAPIKey == "" {
		return 0, 0, false
	}

	p.mu.Lock()
	if cached, ok := p.cache[model]; ok {
		p.mu.Unlock()
		return cached.prompt, cached.completion, cached.ok
	}
	p.mu.Unlock()

	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(model)
	})
	pair := &pricePair{}
	if err != nil {
		lg := log.WithComponent("router")
		lg.Debug().Err(err).Str("model", model).
			Msg("model pricing lookup failed, falling back to heuristic")
	} else {
		pair = out.(*pricePair)
	}

	p.mu.Lock()
	p.cache[model] = pair
	p.mu.Unlock()
	return pair.prompt, pair.completion, pair.ok
}

func (p *openRouterPrices) fetch(model string) (*pricePair, error) {
	req, err := http.NewRequest(http.MethodGet, "https://openrouter.ai/api/v1/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.OpenRouterAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.Wrap(types.KindTransport, "router.pricing", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.Ef(types.KindTransport, "router.pricing",
			"openrouter catalog returned %s", resp.Status)
	}

	var payload struct {
		Data []struct {
			ID      string `json:"id"`
			Pricing struct {
				Prompt     string `json:"prompt"`
				Completion string `json:"completion"`
			} `json:"pricing"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.Wrap(types.KindTransport, "router.pricing", err)
	}

	for _, entry := range payload.Data {
		if entry.ID != model {
			continue
		}
		prompt, err1 := strconv.ParseFloat(strings.TrimSpace(entry.Pricing.Prompt), 64)
		completion, err2 := strconv.ParseFloat(strings.TrimSpace(entry.Pricing.Completion), 64)
		if err1 != nil || err2 != nil {
			return &pricePair{}, nil
		}
		return &pricePair{prompt: prompt, completion: completion, ok: true}, nil
	}
	return &pricePair{}, nil
}

// CostEstimate is the persisted per-dispatch cost projection.
type CostEstimate struct {
	TaskID                      string  `json:"task_id"`
	ProviderHint                string  `json:"provider_hint"`
	ModelHint                   string  `json:"model_hint"`
	PricingModel                string  `json:"pricing_model"`
	EstPromptTokens             int     `json:"estimated_prompt_tokens"`
	EstCompletionTokens         int     `json:"estimated_completion_tokens"`
	EstTotalTokens              int     `json:"estimated_total_tokens"`
	EstimatedCostUSD            float64 `json:"estimated_cost_usd"`
	CostSource                  string  `json:"cost_source"`
	PricingPromptPerMillion     float64 `json:"pricing_prompt_per_million,omitempty"`
	PricingCompletionPerMillion float64 `json:"pricing_completion_per_million,omitempty"`
}

// costModel picks the pricing catalog model: explicit override first,
// then a fully qualified hint, then the default budget model.
func (r *Router) costModel(modelHint string) string {
	if configured := strings.TrimSpace(r.cfg.CostModelDefault); configured != "" {
		return configured
	}
	if strings.Contains(modelHint, "/") {
		return modelHint
	}
	return "openai/gpt-4o-mini"
}

// estimateCost projects the dispatch cost in USD. Catalog pricing wins
// when available; otherwise a per-tier heuristic applies, with refactor
// and build-fix work carrying a higher base cost.
func (r *Router) estimateCost(taskType string, routeClass types.RouteClass, promptTokens, completionTokens int, pricingModel string) (usd float64, source string, promptPrice, completionPrice float64) {
	if pp, cp, ok := r.prices.Pricing(pricingModel); ok {
		estimated := (float64(promptTokens)*pp + float64(completionTokens)*cp) / 1_000_000
		return round6(estimated), "openrouter_api", pp, cp
	}

	total := float64(promptTokens + completionTokens)
	if routeClass == types.RouteLight {
		return round6(total * 0.0000005), "heuristic", 0, 0
	}
	base := 0.006
	if taskType == "code_refactor" || taskType == "build_fix" {
		base = 0.01
	}
	return round6(base + total*0.000001), "heuristic", 0, 0
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
