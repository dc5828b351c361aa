package symbols

import (
	"fmt"
	"strings"

	"yieldflow/config"
	"yieldflow/internal/model"
)

// defaultContractSizes holds the venue's per-asset contract constants for
// assets that omit an explicit contract_size in configuration.
var defaultContractSizes = map[string]float64{
	"BTC": 0.05,
	"ETH": 0.5,
}

// ToSpotSymbol converts a canonical asset symbol to the Binance spot pair
// used by the spot price provider. It ensures symbols are uppercase without
// separators and uses BTC instead of XBT.
func ToSpotSymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "/", "")
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	if strings.HasSuffix(sym, "USDT") {
		return sym
	}
	return sym + "USDT"
}

// ToVolCurrency converts a canonical asset symbol to the currency name the
// volatility index provider expects.
func ToVolCurrency(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if sym == "XBT" {
		return "BTC"
	}
	return sym
}

// Resolve builds the asset list from configuration, filling venue symbols
// and contract sizes from defaults where the configuration leaves them out.
func Resolve(cfgs []config.AssetConfig) ([]model.Asset, error) {
	assets := make([]model.Asset, 0, len(cfgs))
	for i, c := range cfgs {
		sym := strings.ToUpper(strings.TrimSpace(c.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("assets[%d]: empty symbol", i)
		}

		asset := model.Asset{
			Symbol:       sym,
			SpotSymbol:   c.SpotSymbol,
			VolCurrency:  c.VolCurrency,
			ContractSize: c.ContractSize,
		}
		if asset.SpotSymbol == "" {
			asset.SpotSymbol = ToSpotSymbol(sym)
		}
		if asset.VolCurrency == "" {
			asset.VolCurrency = ToVolCurrency(sym)
		}
		if asset.ContractSize == 0 {
			asset.ContractSize = defaultContractSizes[sym]
		}
		if asset.ContractSize <= 0 {
			return nil, fmt.Errorf("assets[%d]: no contract size known for %s", i, sym)
		}

		assets = append(assets, asset)
	}
	return assets, nil
}
