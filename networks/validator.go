package networks

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// UnsupportedNetworkError is returned when a requested network is absent from
// the capability table or no bridge route exists between two networks. Side
// names the offending party of the deal when known ("buyer" or "seller").
type UnsupportedNetworkError struct {
	Network Network
	Peer    Network
	Side    string
}

func (e *UnsupportedNetworkError) Error() string {
	if e.Peer != "" {
		if e.Side != "" {
			return fmt.Sprintf("networks: no bridge route between %s and %s (%s side)", e.Network, e.Peer, e.Side)
		}
		return fmt.Sprintf("networks: no bridge route between %s and %s", e.Network, e.Peer)
	}
	if e.Side != "" {
		return fmt.Sprintf("networks: unsupported network %s (%s side)", e.Network, e.Side)
	}
	return fmt.Sprintf("networks: unsupported network %s", e.Network)
}

// AddressError reports a wallet address that is not well-formed for its
// network.
type AddressError struct {
	Network Network
	Address string
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("networks: invalid %s address %q: %s", e.Network, e.Address, e.Reason)
}

// Validator answers compatibility questions against the startup capability
// table: whether a network is supported, whether two networks are mutually
// reachable through the bridge aggregation service, and whether a wallet
// address is well-formed for its network.
type Validator struct {
	registry *Registry
}

// NewValidator wraps a registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// CheckNetwork verifies the network is present in the capability table.
func (v *Validator) CheckNetwork(n Network, side string) error {
	if v == nil || v.registry == nil || !v.registry.Supported(n) {
		return &UnsupportedNetworkError{Network: n, Side: side}
	}
	return nil
}

// CheckPair verifies both networks are supported and mutually bridgeable.
func (v *Validator) CheckPair(from, to Network, side string) error {
	if err := v.CheckNetwork(from, side); err != nil {
		return err
	}
	if err := v.CheckNetwork(to, side); err != nil {
		return err
	}
	if !v.registry.Bridgeable(from, to) {
		return &UnsupportedNetworkError{Network: from, Peer: to, Side: side}
	}
	return nil
}

// CheckAddress verifies the wallet address is well-formed for the network.
func (v *Validator) CheckAddress(n Network, address string) error {
	if err := v.CheckNetwork(n, ""); err != nil {
		return err
	}
	desc, _ := v.registry.Descriptor(n)
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return &AddressError{Network: n, Address: address, Reason: "empty address"}
	}
	switch desc.Family {
	case FamilyEVM:
		if !ethcommon.IsHexAddress(trimmed) {
			return &AddressError{Network: n, Address: trimmed, Reason: "not a hex-encoded account address"}
		}
	case FamilyUTXO:
		if err := checkUTXOAddress(desc, trimmed); err != nil {
			return &AddressError{Network: n, Address: trimmed, Reason: err.Error()}
		}
	default:
		return &AddressError{Network: n, Address: trimmed, Reason: "no address format registered for network family"}
	}
	return nil
}

func checkUTXOAddress(desc Descriptor, address string) error {
	lowered := strings.ToLower(address)
	hrp := desc.Bech32HRP
	if hrp == "" {
		hrp = "bc"
	}
	if strings.HasPrefix(lowered, hrp+"1") {
		decoded, _, err := bech32.Decode(lowered)
		if err != nil {
			return fmt.Errorf("bech32 decode failed: %w", err)
		}
		if decoded != hrp {
			return fmt.Errorf("bech32 prefix %q does not match network", decoded)
		}
		return nil
	}
	// Legacy base58check addresses carry a 4-byte checksum.
	if _, _, err := base58.CheckDecode(address); err != nil {
		return fmt.Errorf("base58 decode failed: %w", err)
	}
	return nil
}
