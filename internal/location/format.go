package location

import (
	"math"
	"strconv"
	"strings"
)

// formatDouble renders f the way session values have always been
// written: the shortest round-tripping digits, at least one fractional
// digit, and scientific notation outside [1e-3, 1e7).
func formatDouble(f float64) string {
	return formatDecimal(f, 64)
}

// formatFloat is formatDouble for single precision values.
func formatFloat(f float32) string {
	return formatDecimal(float64(f), 32)
}

func formatDecimal(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	abs := math.Abs(f)
	if abs >= 1e-3 && abs < 1e7 {
		s := strconv.FormatFloat(f, 'f', -1, bitSize)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}

	s := strconv.FormatFloat(f, 'E', -1, bitSize)
	mantissa, exp, _ := strings.Cut(s, "E")
	if !strings.Contains(mantissa, ".") {
		mantissa += ".0"
	}
	n, err := strconv.Atoi(exp)
	if err != nil {
		return s
	}
	return mantissa + "E" + strconv.Itoa(n)
}
