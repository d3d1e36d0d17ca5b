package entities

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AmountScale is the number of minor units per whole unit, matching the
// ledger's on-chain base unit (10^8).
const AmountScale = int64(100_000_000)

const amountDigits = 8

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount converts a decimal string into minor units. Fractional digits
// below the scale are truncated, never rounded, so a conversion can not
// invent value. Negative amounts are rejected.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, errors.Wrapf(ErrInvalidAmount, "parsing [%s]", s)
	}

	wholePart, fracPart, _ := strings.Cut(s, ".")
	if wholePart == "" {
		wholePart = "0"
	}

	whole, err := strconv.ParseUint(wholePart, 10, 63)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidAmount, "parsing whole part of [%s]", s)
	}

	if len(fracPart) > amountDigits {
		fracPart = fracPart[:amountDigits] // truncate below the scale
	}
	var frac uint64
	if fracPart != "" {
		frac, err = strconv.ParseUint(fracPart, 10, 63)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidAmount, "parsing fractional part of [%s]", s)
		}
		for i := len(fracPart); i < amountDigits; i++ {
			frac *= 10
		}
	}

	units := int64(whole)*AmountScale + int64(frac)
	if units < 0 || int64(whole) > (1<<62)/AmountScale {
		return 0, errors.Wrapf(ErrInvalidAmount, "amount [%s] out of range", s)
	}
	return units, nil
}

// FormatAmount renders minor units at full scale, eight fractional digits.
func FormatAmount(units int64) string {
	return fmt.Sprintf("%d.%08d", units/AmountScale, units%AmountScale)
}

// FormatDisplayAmount renders minor units with the two fractional digits the
// display layer uses. Digits below a cent are truncated, consistent with
// ParseAmount.
func FormatDisplayAmount(units int64) string {
	cents := (units % AmountScale) / (AmountScale / 100)
	return fmt.Sprintf("%d.%02d", units/AmountScale, cents)
}
