package networks

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Network identifies a ledger network supported by the orchestrator.
type Network string

const (
	Ethereum Network = "ethereum"
	Polygon  Network = "polygon"
	Arbitrum Network = "arbitrum"
	Optimism Network = "optimism"
	Base     Network = "base"
	Bitcoin  Network = "bitcoin"
)

// Family groups networks that share an address and receipt format.
type Family string

const (
	FamilyEVM  Family = "evm"
	FamilyUTXO Family = "utxo"
)

// Descriptor captures the static capabilities of one network.
type Descriptor struct {
	Name      Network `yaml:"name"`
	Family    Family  `yaml:"family"`
	ChainID   uint64  `yaml:"chainId,omitempty"`
	Bech32HRP string  `yaml:"bech32Hrp,omitempty"`
}

// Table is the on-disk capability table: the set of supported networks and
// the directional pairs the bridge aggregation service can route between.
type Table struct {
	Networks []Descriptor `yaml:"networks"`
	Routes   []RoutePair  `yaml:"routes"`
}

// RoutePair marks two networks as mutually bridgeable.
type RoutePair struct {
	A Network `yaml:"a"`
	B Network `yaml:"b"`
}

// LoadTable reads a YAML capability table from disk. A missing file yields
// DefaultTable so a fresh checkout boots without extra artifacts.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read capability table: %w", err)
	}
	table := &Table{}
	if err := yaml.Unmarshal(raw, table); err != nil {
		return nil, fmt.Errorf("decode capability table: %w", err)
	}
	return table, nil
}

// DefaultTable lists the networks and bridge routes supported out of the box.
// Deployments with different routing ship their own YAML table.
func DefaultTable() *Table {
	return &Table{
		Networks: []Descriptor{
			{Name: Ethereum, Family: FamilyEVM, ChainID: 1},
			{Name: Polygon, Family: FamilyEVM, ChainID: 137},
			{Name: Arbitrum, Family: FamilyEVM, ChainID: 42161},
			{Name: Optimism, Family: FamilyEVM, ChainID: 10},
			{Name: Base, Family: FamilyEVM, ChainID: 8453},
			{Name: Bitcoin, Family: FamilyUTXO, Bech32HRP: "bc"},
		},
		Routes: []RoutePair{
			{A: Ethereum, B: Polygon},
			{A: Ethereum, B: Arbitrum},
			{A: Ethereum, B: Optimism},
			{A: Ethereum, B: Base},
			{A: Polygon, B: Arbitrum},
			{A: Arbitrum, B: Optimism},
			{A: Optimism, B: Base},
		},
	}
}

// Registry resolves network capabilities at startup. It is immutable once
// constructed; reconfiguration requires a restart with a new table.
type Registry struct {
	networks   map[Network]Descriptor
	bridgeable map[Network]map[Network]bool
}

// NewRegistry builds a registry from a capability table. Unknown networks
// referenced by a route pair are rejected so misconfiguration surfaces at
// startup rather than mid-execution.
func NewRegistry(table *Table) (*Registry, error) {
	if table == nil || len(table.Networks) == 0 {
		return nil, fmt.Errorf("networks: empty capability table")
	}
	reg := &Registry{
		networks:   make(map[Network]Descriptor, len(table.Networks)),
		bridgeable: make(map[Network]map[Network]bool),
	}
	for _, desc := range table.Networks {
		name := Network(strings.ToLower(strings.TrimSpace(string(desc.Name))))
		if name == "" {
			return nil, fmt.Errorf("networks: descriptor with empty name")
		}
		switch desc.Family {
		case FamilyEVM, FamilyUTXO:
		default:
			return nil, fmt.Errorf("networks: unknown family %q for %s", desc.Family, name)
		}
		if _, exists := reg.networks[name]; exists {
			return nil, fmt.Errorf("networks: duplicate descriptor for %s", name)
		}
		desc.Name = name
		reg.networks[name] = desc
	}
	for _, pair := range table.Routes {
		a := Network(strings.ToLower(strings.TrimSpace(string(pair.A))))
		b := Network(strings.ToLower(strings.TrimSpace(string(pair.B))))
		if _, ok := reg.networks[a]; !ok {
			return nil, fmt.Errorf("networks: route references unknown network %s", a)
		}
		if _, ok := reg.networks[b]; !ok {
			return nil, fmt.Errorf("networks: route references unknown network %s", b)
		}
		reg.markBridgeable(a, b)
		reg.markBridgeable(b, a)
	}
	return reg, nil
}

func (r *Registry) markBridgeable(from, to Network) {
	set, ok := r.bridgeable[from]
	if !ok {
		set = make(map[Network]bool)
		r.bridgeable[from] = set
	}
	set[to] = true
}

// Supported reports whether the network appears in the capability table.
func (r *Registry) Supported(n Network) bool {
	if r == nil {
		return false
	}
	_, ok := r.networks[n]
	return ok
}

// Descriptor returns the capability descriptor for a network.
func (r *Registry) Descriptor(n Network) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	desc, ok := r.networks[n]
	return desc, ok
}

// Bridgeable reports whether the bridge aggregation service can move funds
// between the two networks. A network is trivially bridgeable to itself.
func (r *Registry) Bridgeable(a, b Network) bool {
	if r == nil {
		return false
	}
	if a == b {
		return r.Supported(a)
	}
	set, ok := r.bridgeable[a]
	if !ok {
		return false
	}
	return set[b]
}

// Names returns the supported network names in no particular order.
func (r *Registry) Names() []Network {
	if r == nil {
		return nil
	}
	names := make([]Network, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	return names
}
