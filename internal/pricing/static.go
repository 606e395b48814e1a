package pricing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PriceTable models the structure of configs/prices.yaml: a fixed price list
// keyed by app id and market hash name, used when no live market endpoint is
// reachable or deterministic prices are needed for rehearsals.
type PriceTable struct {
	Apps map[uint32]map[string]string `yaml:"apps"`
}

// StaticOracle serves quotes from a pre-loaded price table. Items missing
// from the table report ErrNoListing, matching the live oracle contract.
type StaticOracle struct {
	prices map[uint32]map[string]int64
	now    func() time.Time
}

// NewStaticOracle builds an oracle from an in-memory table. Price strings are
// parsed once at construction time.
func NewStaticOracle(table PriceTable) (*StaticOracle, error) {
	prices := make(map[uint32]map[string]int64, len(table.Apps))
	for appID, names := range table.Apps {
		entry := make(map[string]int64, len(names))
		for name, raw := range names {
			cents, err := ParsePrice(raw)
			if err != nil {
				return nil, fmt.Errorf("price table entry %d/%s: %w", appID, name, err)
			}
			entry[name] = cents
		}
		prices[appID] = entry
	}
	return &StaticOracle{prices: prices, now: time.Now}, nil
}

// LoadStaticOracle reads a YAML price table from disk.
func LoadStaticOracle(path string) (*StaticOracle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("price table path cannot be empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	var table PriceTable
	if err := yaml.Unmarshal(content, &table); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	return NewStaticOracle(table)
}

// Quote implements Oracle.
func (o *StaticOracle) Quote(_ context.Context, appID uint32, marketHashName string) (*Quote, error) {
	names, ok := o.prices[appID]
	if !ok {
		return nil, ErrNoListing
	}
	cents, ok := names[marketHashName]
	if !ok {
		return nil, ErrNoListing
	}
	return &Quote{
		AppID:          appID,
		MarketHashName: marketHashName,
		LowestPrice:    cents,
		FetchedAt:      o.now(),
	}, nil
}
