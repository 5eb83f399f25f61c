package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"settlement-api/internal/config"
)

// Registry maps gateway ids to adapters. It is filled once at start-up.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter; registering the same id twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strings.ToLower(a.ID())
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("gateway %q already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, id)
	}
	return a, nil
}

// Parser returns the notification parser for id.
func (r *Registry) Parser(id string) (NotificationParser, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	p, ok := a.(NotificationParser)
	if !ok {
		return nil, fmt.Errorf("gateway %s does not accept notifications", id)
	}
	return p, nil
}

// Payouter returns the payout-capable adapter serving method.
func (r *Registry) Payouter(method string) (Payouter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.adapters {
		p, ok := a.(Payouter)
		if !ok || !a.SupportsCapability(CapabilityPayouts) {
			continue
		}
		if strings.EqualFold(p.PayoutMethod(), method) {
			return p, true
		}
	}
	return nil, false
}

// Offered lists adapters that accept currency and declare capability, sorted by id.
// An empty currency or capability skips that filter.
func (r *Registry) Offered(currency, capability string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	for _, a := range r.adapters {
		if currency != "" && !a.SupportsCurrency(currency) {
			continue
		}
		if capability != "" && !a.SupportsCapability(capability) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Base carries the configuration-backed parts of the contract shared by all adapters.
type Base struct {
	Config config.GatewayConfig
}

func (b Base) ID() string {
	return b.Config.ID
}

func (b Base) SupportsCurrency(code string) bool {
	return b.Config.Enabled && b.Config.AcceptsCurrency(code)
}

func (b Base) SupportsCapability(name string) bool {
	return b.Config.Enabled && b.Config.HasCapability(name)
}

// SealEnvelope signs env with the key the gateway was configured with.
func (b Base) SealEnvelope(env Envelope) (string, error) {
	return env.Seal([]byte(b.Config.EnvelopeKey))
}

// OpenEnvelope verifies and decodes an envelope sealed by SealEnvelope.
func (b Base) OpenEnvelope(s string) (*Envelope, error) {
	return OpenEnvelope(s, []byte(b.Config.EnvelopeKey))
}

// Require returns the named credentials or an error naming the first missing one.
func (b Base) Require(keys ...string) error {
	for _, k := range keys {
		if b.Config.Credential(k) == "" {
			return MissingCredential(b.Config.ID, k)
		}
	}
	return nil
}
