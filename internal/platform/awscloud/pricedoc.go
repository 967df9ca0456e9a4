package awscloud

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// parseOnDemandUSD digs the hourly on-demand USD rate out of one Pricing API
// product document. The document nests offer terms under generated keys, so
// the walk takes the first price dimension it finds.
func parseOnDemandUSD(doc string) (float64, error) {
	var product struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit map[string]string `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(doc), &product); err != nil {
		return 0, fmt.Errorf("failed to decode price document: %w", err)
	}

	for _, term := range product.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			usd, ok := dim.PricePerUnit["USD"]
			if !ok {
				continue
			}
			price, err := strconv.ParseFloat(usd, 64)
			if err != nil {
				return 0, fmt.Errorf("malformed USD price %q: %w", usd, err)
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("price document has no on-demand USD dimension")
}
