// Package layer2manager owns the lifecycle of every Layer2 protocol
// instance and orchestrates cross-layer asset transfers, grounded on the
// teacher's core/cross_chain_transactions.go RecordCrossChainTx: a
// multi-step movement between two chains is recorded as a single
// persistent object whose state advances one step at a time, with a
// compensating action on failure rather than a best-effort rollback.
package layer2manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/config"
	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bob"
	"github.com/anya-org/anya-core/internal/layer2/dlc"
	"github.com/anya-org/anya-core/internal/layer2/lightning"
	"github.com/anya-org/anya-core/internal/layer2/liquid"
	"github.com/anya-org/anya-core/internal/layer2/rgb"
	"github.com/anya-org/anya-core/internal/layer2/rsk"
	"github.com/anya-org/anya-core/internal/layer2/stacks"
	"github.com/anya-org/anya-core/internal/layer2/statechannel"
	"github.com/anya-org/anya-core/internal/layer2/taproot"
	"github.com/anya-org/anya-core/internal/storage"
)

// factory constructs one protocol adapter. Every adapter package exposes
// the identical New(store, audit) signature, so the registry is built from
// a single table rather than nine bespoke call sites.
type factory func(store *storage.Store, audit *auditlog.Log) layer2.Protocol

var factories = map[storage.ProtocolKind]factory{
	storage.Lightning:     lightning.New,
	storage.Liquid:        liquid.New,
	storage.RSK:           rsk.New,
	storage.Stacks:        stacks.New,
	storage.BOB:           bob.New,
	storage.TaprootAssets: taproot.New,
	storage.RGB:           rgb.New,
	storage.DLC:           dlc.New,
	storage.StateChannel:  statechannel.New,
}

// ProtocolConfig pairs a protocol kind with its endpoint configuration,
// forming the declarative Layer2Config the manager is built from.
type ProtocolConfig struct {
	Kind     storage.ProtocolKind
	Endpoint config.Layer2EndpointConfig
}

// Config is the declarative set of protocols the manager registers.
// Duplicate kinds are rejected at construction time.
type Config struct {
	Protocols []ProtocolConfig
}

// FromCoreConfig builds a declarative Config from CoreConfig's Layer2 map.
func FromCoreConfig(cfg config.CoreConfig) (Config, error) {
	out := Config{}
	for kindStr, ep := range cfg.Layer2 {
		kind := storage.ProtocolKind(kindStr)
		if _, ok := factories[kind]; !ok {
			return Config{}, errs.New(errs.ConfigError, fmt.Sprintf("unknown layer2 protocol kind %q", kindStr))
		}
		out.Protocols = append(out.Protocols, ProtocolConfig{Kind: kind, Endpoint: ep})
	}
	return out, nil
}

func toEndpointConfig(c config.Layer2EndpointConfig) layer2.EndpointConfig {
	return layer2.EndpointConfig{
		Endpoint:        c.Endpoint,
		Network:         c.Network,
		APIKey:          c.APIKey,
		FreshnessWindow: c.FreshnessWindow,
	}
}

// Manager owns every registered protocol instance. The registry is
// read-mostly after construction's copy-on-write policy,
// so lookups take only a read lock.
type Manager struct {
	mu       sync.RWMutex
	registry map[storage.ProtocolKind]layer2.Protocol
	configs  map[storage.ProtocolKind]layer2.EndpointConfig

	store *storage.Store
	audit *auditlog.Log
	lg    *logrus.Logger
}

// New builds the registry from cfg, rejecting duplicate kinds.
func New(store *storage.Store, audit *auditlog.Log, lg *logrus.Logger, cfg Config) (*Manager, error) {
	m := &Manager{
		registry: make(map[storage.ProtocolKind]layer2.Protocol, len(cfg.Protocols)),
		configs:  make(map[storage.ProtocolKind]layer2.EndpointConfig, len(cfg.Protocols)),
		store:    store,
		audit:    audit,
		lg:       lg,
	}
	for _, pc := range cfg.Protocols {
		if _, dup := m.registry[pc.Kind]; dup {
			return nil, errs.New(errs.ConfigError, fmt.Sprintf("duplicate layer2 protocol kind %q in config", pc.Kind))
		}
		mk, ok := factories[pc.Kind]
		if !ok {
			return nil, errs.New(errs.ConfigError, fmt.Sprintf("unknown layer2 protocol kind %q", pc.Kind))
		}
		m.registry[pc.Kind] = mk(store, audit)
		m.configs[pc.Kind] = toEndpointConfig(pc.Endpoint)
	}
	return m, nil
}

// AggregatedResult reports per-protocol outcomes of a bulk lifecycle call.
// A failing protocol lands in Failures without aborting the others, per
// its partial-failure policy.
type AggregatedResult struct {
	Failures map[storage.ProtocolKind]error
}

func (r AggregatedResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return errs.New(errs.Fatal, fmt.Sprintf("%d layer2 protocol(s) failed to initialize", len(r.Failures)))
}

// InitializeAll initializes every registered protocol sequentially.
func (m *Manager) InitializeAll() AggregatedResult {
	m.mu.RLock()
	snapshot := make(map[storage.ProtocolKind]layer2.Protocol, len(m.registry))
	for k, p := range m.registry {
		snapshot[k] = p
	}
	m.mu.RUnlock()

	result := AggregatedResult{Failures: map[storage.ProtocolKind]error{}}
	for kind, p := range snapshot {
		if err := p.Initialize(m.configs[kind]); err != nil {
			result.Failures[kind] = err
			m.lg.WithError(err).WithField("protocol", kind).Warn("layer2 protocol failed to initialize")
		}
	}
	return result
}

// InitializeAllAsync initializes every registered protocol concurrently.
func (m *Manager) InitializeAllAsync(ctx context.Context) AggregatedResult {
	m.mu.RLock()
	snapshot := make(map[storage.ProtocolKind]layer2.Protocol, len(m.registry))
	for k, p := range m.registry {
		snapshot[k] = p
	}
	m.mu.RUnlock()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fails = map[storage.ProtocolKind]error{}
	)
	for kind, p := range snapshot {
		wg.Add(1)
		go func(kind storage.ProtocolKind, p layer2.Protocol) {
			defer wg.Done()
			if err := p.InitializeAsync(ctx, m.configs[kind]); err != nil {
				mu.Lock()
				fails[kind] = err
				mu.Unlock()
				m.lg.WithError(err).WithField("protocol", kind).Warn("layer2 protocol failed to initialize")
			}
		}(kind, p)
	}
	wg.Wait()
	return AggregatedResult{Failures: fails}
}

// GetProtocol returns the registered instance for kind in O(1) expected
// time, or NotFound if kind was never registered.
func (m *Manager) GetProtocol(kind storage.ProtocolKind) (layer2.Protocol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.registry[kind]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("layer2 protocol %q is not registered", kind))
	}
	return p, nil
}

// GetProtocolAsync mirrors GetProtocol for callers already inside an async
// chain; the lookup itself never suspends.
func (m *Manager) GetProtocolAsync(ctx context.Context, kind storage.ProtocolKind) (layer2.Protocol, error) {
	return m.GetProtocol(kind)
}
