package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cacheKey = "fx:USD:CLP"

// indicatorResponse is the shape of the dollar indicator API:
// {"serie": [{"fecha": "...", "valor": 943.37}, ...]}, newest first.
type indicatorResponse struct {
	Serie []struct {
		Fecha string          `json:"fecha"`
		Valor decimal.Decimal `json:"valor"`
	} `json:"serie"`
}

type Config struct {
	URL      string
	CacheTTL time.Duration
	Fallback decimal.Decimal
}

// Provider returns the USD to CLP rate. It reads the Redis cache, then the
// indicator API, and falls back to a fixed rate when both fail.
type Provider struct {
	cache    redis.Cmdable
	client   *http.Client
	url      string
	ttl      time.Duration
	fallback decimal.Decimal
	log      *zap.Logger
}

func NewProvider(cfg Config, cache redis.Cmdable, client *http.Client, log *zap.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	fallback := cfg.Fallback
	if !fallback.IsPositive() {
		fallback = decimal.NewFromInt(850)
	}
	return &Provider{
		cache:    cache,
		client:   client,
		url:      cfg.URL,
		ttl:      ttl,
		fallback: fallback,
		log:      log,
	}
}

func (p *Provider) Rate(ctx context.Context) (decimal.Decimal, error) {
	if rate, ok := p.cached(ctx); ok {
		return rate, nil
	}

	rate, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn("exchange rate unavailable, using fallback",
			zap.Error(err),
			zap.String("fallback", p.fallback.String()),
		)
		return p.fallback, nil
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, rate.String(), p.ttl).Err(); err != nil {
			p.log.Warn("exchange rate cache write failed", zap.Error(err))
		}
	}
	return rate, nil
}

func (p *Provider) cached(ctx context.Context) (decimal.Decimal, bool) {
	if p.cache == nil {
		return decimal.Decimal{}, false
	}
	raw, err := p.cache.Get(ctx, cacheKey).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Decimal{}, false
	}
	if err != nil {
		p.log.Warn("exchange rate cache read failed", zap.Error(err))
		return decimal.Decimal{}, false
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		return decimal.Decimal{}, false
	}
	return rate, true
}

func (p *Provider) fetch(ctx context.Context) (decimal.Decimal, error) {
	if p.url == "" {
		return decimal.Decimal{}, errors.New("no exchange rate url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch exchange rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("fetch exchange rate: unexpected status %d", resp.StatusCode)
	}

	var body indicatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode exchange rate: %w", err)
	}
	if len(body.Serie) == 0 || !body.Serie[0].Valor.IsPositive() {
		return decimal.Decimal{}, errors.New("exchange rate response has no positive value")
	}
	return body.Serie[0].Valor, nil
}
