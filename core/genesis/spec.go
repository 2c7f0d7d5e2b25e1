package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"svtchain/core/state"
	"svtchain/crypto"
)

// GenesisSpec is the complete description of the chain's initial state. All
// SVT units in existence are provisioned here: the spec's allocations plus
// the pool seed define the total supply, and there is no later mint path.
type GenesisSpec struct {
	GenesisTime   string                  `json:"genesisTime"`
	ChainID       uint64                  `json:"chainId"`
	Token         TokenSpec               `json:"token"`
	Alloc         map[string]AccountAlloc `json:"alloc,omitempty"`
	Pool          PoolSpec                `json:"pool"`
	KeeperReserve string                  `json:"keeperReserve,omitempty"`

	genesisTimestamp time.Time
	keeperReserveAmt *big.Int
}

// TokenSpec names the ledgered token.
type TokenSpec struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// AccountAlloc is the per-account starting balance pair, decimal strings.
type AccountAlloc struct {
	SLV string `json:"slv,omitempty"`
	SVT string `json:"svt,omitempty"`

	slvAmt *big.Int
	svtAmt *big.Int
}

// PoolSpec seeds the swap pool account with both reserve legs.
type PoolSpec struct {
	Currency string `json:"currency,omitempty"`
	Units    string `json:"units,omitempty"`

	currencyAmt *big.Int
	unitsAmt    *big.Int
}

// LoadGenesisSpec reads, decodes and validates a genesis spec file.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	return ParseGenesisSpec(raw)
}

// ParseGenesisSpec decodes and validates a genesis spec from raw JSON.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec: %w", err)
	}
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesis time. Validate must have
// succeeded first.
func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// KeeperReserveAmount returns the parsed keeper reserve seed.
func (s *GenesisSpec) KeeperReserveAmount() *big.Int {
	if s.keeperReserveAmt == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(s.keeperReserveAmt)
}

// TotalUnits returns the SVT supply the spec provisions: every allocation
// plus the pool seed.
func (s *GenesisSpec) TotalUnits() *big.Int {
	total := big.NewInt(0)
	for _, alloc := range s.Alloc {
		if alloc.svtAmt != nil {
			total.Add(total, alloc.svtAmt)
		}
	}
	if s.Pool.unitsAmt != nil {
		total.Add(total, s.Pool.unitsAmt)
	}
	return total
}

// Validate checks the spec and caches the parsed amounts. It is idempotent
// and must succeed before the spec is applied.
func (s *GenesisSpec) Validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	if s.ChainID == 0 {
		return fmt.Errorf("chainId must be provided and nonzero")
	}
	if strings.TrimSpace(s.Token.Symbol) == "" {
		return fmt.Errorf("token.symbol must be provided")
	}
	if strings.TrimSpace(s.Token.Name) == "" {
		return fmt.Errorf("token.name must be provided")
	}
	if s.Token.Decimals > 18 {
		return fmt.Errorf("token.decimals must be 18 or fewer")
	}

	moduleAccounts := map[[20]byte]string{
		state.PoolAddress:      "swap pool",
		state.KeeperAddress:    "keeper reserve",
		state.LockVaultAddress: "liquidity vault",
	}
	accounts := make([]string, 0, len(s.Alloc))
	for account := range s.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		addr, err := ParseBech32Account(account)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		if name, reserved := moduleAccounts[addr]; reserved {
			return fmt.Errorf("alloc[%q]: address is the %s module account", account, name)
		}
		alloc := s.Alloc[account]
		slvAmt, err := parseAmount(alloc.SLV)
		if err != nil {
			return fmt.Errorf("alloc[%q].slv: %w", account, err)
		}
		svtAmt, err := parseAmount(alloc.SVT)
		if err != nil {
			return fmt.Errorf("alloc[%q].svt: %w", account, err)
		}
		alloc.slvAmt = slvAmt
		alloc.svtAmt = svtAmt
		s.Alloc[account] = alloc
	}

	currency, err := parseAmount(s.Pool.Currency)
	if err != nil {
		return fmt.Errorf("pool.currency: %w", err)
	}
	units, err := parseAmount(s.Pool.Units)
	if err != nil {
		return fmt.Errorf("pool.units: %w", err)
	}
	s.Pool.currencyAmt = currency
	s.Pool.unitsAmt = units

	reserve, err := parseAmount(s.KeeperReserve)
	if err != nil {
		return fmt.Errorf("keeperReserve: %w", err)
	}
	s.keeperReserveAmt = reserve
	return nil
}

// ParseBech32Account decodes a bech32 account string into a raw address.
func ParseBech32Account(value string) ([20]byte, error) {
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Raw(), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
