package payment

import (
	"github.com/smallbiznis/roundup/internal/config"
	"github.com/smallbiznis/roundup/internal/payment/adapters"
	"github.com/smallbiznis/roundup/internal/payment/adapters/fakepay"
	"github.com/smallbiznis/roundup/internal/payment/adapters/stripeconnect"
	"github.com/smallbiznis/roundup/internal/payment/domain"
	"github.com/smallbiznis/roundup/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newRegistry(cfg config.Config, log *zap.Logger) (*adapters.Registry, error) {
	providers := []domain.Provider{fakepay.New()}

	if cfg.PaymentSecretKey != "" {
		stripe, err := stripeconnect.New(stripeconnect.Config{
			SecretKey: cfg.PaymentSecretKey,
			BaseURL:   cfg.PaymentBaseURL,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, stripe)
	}

	registry := adapters.NewRegistry(providers...)
	if !registry.Exists(cfg.PaymentProvider) {
		log.Error("configured payment provider is not registered",
			zap.String("provider", cfg.PaymentProvider))
		return nil, domain.ErrProviderNotFound
	}
	return registry, nil
}

// activeProvider resolves the provider named in configuration. Batch charge
// submission and organization settlement both go through it.
func activeProvider(cfg config.Config, registry *adapters.Registry) (domain.Provider, error) {
	return registry.Get(cfg.PaymentProvider)
}

var Module = fx.Module("payment",
	fx.Provide(
		newRegistry,
		activeProvider,
		service.NewService,
	),
)
