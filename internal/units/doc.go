// Package units converts raw Ecowitt upload values into display values.
//
// Every reading is interpreted in the unit fixed by the upload protocol
// for its [Preset] (tempf is always Fahrenheit, baromrelin is always
// inches of mercury, and so on). The display unit is chosen per
// measurement class: an explicit override wins over the configured unit
// system, which wins over the protocol's source unit. Conversion is pure
// and deterministic; the same raw value with the same [Settings] always
// yields the same [Value].
package units
