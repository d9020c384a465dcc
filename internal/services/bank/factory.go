package bank

import (
	"context"
	"fmt"
	"sync"

	"ticket-marketplace/internal/services/bank/paypal"
)

// DefaultFactory builds the providers this service supports
type DefaultFactory struct{}

func NewFactory() *DefaultFactory {
	return &DefaultFactory{}
}

// CreateGateway creates a gateway based on provider type and configuration
func (f *DefaultFactory) CreateGateway(ctx context.Context, provider Provider, config any) (Gateway, error) {
	switch provider {
	case ProviderPayPal:
		cfg, ok := config.(*paypal.Config)
		if !ok {
			return nil, fmt.Errorf("invalid PayPal config type, expected *paypal.Config")
		}
		client, err := paypal.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create PayPal client: %w", err)
		}
		return NewPayPalAdapter(client), nil

	default:
		return nil, fmt.Errorf("unsupported payment provider: %s", provider)
	}
}

func (f *DefaultFactory) SupportedProviders() []Provider {
	return []Provider{ProviderPayPal}
}

// Registry manages the configured gateways
type Registry struct {
	mu       sync.RWMutex
	gateways map[Provider]Gateway
	factory  Factory
	primary  Provider
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		gateways: make(map[Provider]Gateway),
		factory:  factory,
	}
}

// Register creates and registers a gateway. The first one becomes primary.
func (r *Registry) Register(ctx context.Context, provider Provider, config any) error {
	gw, err := r.factory.CreateGateway(ctx, provider, config)
	if err != nil {
		return fmt.Errorf("failed to create %s gateway: %w", provider, err)
	}
	r.Add(gw)
	return nil
}

// Add registers an already built gateway.
func (r *Registry) Add(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gateways[gw.Provider()] = gw
	if r.primary == "" {
		r.primary = gw.Provider()
	}
}

func (r *Registry) Gateway(provider Provider) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gw, exists := r.gateways[provider]
	if !exists {
		return nil, fmt.Errorf("payment provider %s not registered", provider)
	}
	return gw, nil
}

func (r *Registry) Primary() (Gateway, error) {
	r.mu.RLock()
	primary := r.primary
	r.mu.RUnlock()

	if primary == "" {
		return nil, fmt.Errorf("no primary payment provider configured")
	}
	return r.Gateway(primary)
}

func (r *Registry) SetPrimary(provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gateways[provider]; !exists {
		return fmt.Errorf("payment provider %s not registered", provider)
	}
	r.primary = provider
	return nil
}

func (r *Registry) Available() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.gateways))
	for provider := range r.gateways {
		providers = append(providers, provider)
	}
	return providers
}
