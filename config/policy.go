package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultSellabilityMinPercent is the system-wide freshness floor: a batch
// must retain at least this percentage of its shelf life to be sold.
const DefaultSellabilityMinPercent = 70

var (
	sellabilityMinPercent     int
	sellabilityMinPercentOnce sync.Once
)

// SellabilityMinPercent resolves the freshness threshold once per process.
// Override with SELLABILITY_MIN_PERCENT; every caller must go through this
// instead of re-declaring the number at call sites.
func SellabilityMinPercent() int {
	sellabilityMinPercentOnce.Do(func() {
		sellabilityMinPercent = DefaultSellabilityMinPercent
		v := strings.TrimSpace(os.Getenv("SELLABILITY_MIN_PERCENT"))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			log.Printf("invalid SELLABILITY_MIN_PERCENT=%q; using default %d", v, DefaultSellabilityMinPercent)
			return
		}
		sellabilityMinPercent = n
	})
	return sellabilityMinPercent
}
