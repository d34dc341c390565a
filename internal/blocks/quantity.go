package blocks

import "time"

const quantityTypeTag = "Quantity"

// Quantity builds the tagged unit value stored in block data. A nil value
// is a valid "unset" quantity.
func Quantity(value any, unit string) map[string]any {
	return map[string]any{
		"__bloxtype": quantityTypeTag,
		"value":      value,
		"unit":       unit,
	}
}

// Temp builds a temperature quantity in degC.
func Temp(value any) map[string]any {
	return Quantity(value, "degC")
}

// DeltaTemp builds a temperature delta quantity.
func DeltaTemp(value any) map[string]any {
	return Quantity(value, "delta_degC")
}

// InverseTemp builds a 1/degC quantity, as used for PID gains.
func InverseTemp(value any) map[string]any {
	return Quantity(value, "1/degC")
}

// Duration builds a duration quantity in seconds. It panics on malformed
// input since callers pass literals.
func Duration(s string) map[string]any {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic("blocks.Duration: " + err.Error())
	}
	return Quantity(d.Seconds(), "s")
}
