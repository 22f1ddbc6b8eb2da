package quote

import (
	"fmt"
	"strconv"
	"strings"
)

var numberCleaner = strings.NewReplacer(
	",", "",
	"+", "",
	"%", "",
	"％", "",
	"円", "",
	"¥", "",
	"￥", "",
	"$", "",
	" ", "",
	" ", "",
)

// ParseNumber coerces a localized numeric string into a float64. Providers
// format prices as "2,500", changes as "+25.0" or "-50.0円" and percentages
// as "+0.88%"; the sign of negative values survives cleaning.
func ParseNumber(s string) (float64, error) {
	cleaned := numberCleaner.Replace(strings.TrimSpace(s))
	if cleaned == "" || cleaned == "-" || cleaned == "--" {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

// ParseNumberOr is ParseNumber with a default for blank or malformed input.
func ParseNumberOr(s string, def float64) float64 {
	v, err := ParseNumber(s)
	if err != nil {
		return def
	}
	return v
}
