package sensors

import "github.com/nugget/ecowitt-bridge/internal/units"

var (
	gateway = DeviceHint{Kind: DeviceGateway}
	outdoor = DeviceHint{Kind: DeviceOutdoor}
)

// Builtin returns the catalog of upload keys the bridge understands
// without configuration. The slice is freshly allocated on every call.
func Builtin() []Definition {
	return []Definition{
		// Gateway (indoor) readings.
		{Key: "tempinf", Name: "Indoor Temperature", Device: gateway, Preset: units.PresetTemperatureF},
		{Key: "humidityin", Name: "Indoor Humidity", Device: gateway, Preset: units.PresetHumidity},
		{Key: "baromabsin", Name: "Pressure (Absolute)", Device: gateway, Preset: units.PresetPressureInHg},
		{Key: "baromrelin", Name: "Pressure (Relative)", Device: gateway, Preset: units.PresetPressureInHg},

		// Outdoor sensor head readings.
		{Key: "tempf", Name: "Outdoor Temperature", Device: outdoor, Preset: units.PresetTemperatureF},
		{Key: "dewpointf", Name: "Dew Point", Device: outdoor, Preset: units.PresetTemperatureF},
		{Key: "feelslikef", Name: "Feels Like", Device: outdoor, Preset: units.PresetTemperatureF},
		{Key: "windchillf", Name: "Wind Chill", Device: outdoor, Preset: units.PresetTemperatureF},
		{Key: "humidity", Name: "Outdoor Humidity", Device: outdoor, Preset: units.PresetHumidity},
		{Key: "windspeedmph", Name: "Wind Speed", Device: outdoor, Preset: units.PresetWindMPH},
		{Key: "windgustmph", Name: "Wind Gust", Device: outdoor, Preset: units.PresetWindMPH},
		{Key: "maxdailygust", Name: "Wind Gust (Daily Max)", Device: outdoor, Preset: units.PresetWindMPH},
		{Key: "winddir", Name: "Wind Direction", Device: outdoor, Preset: units.PresetAngle, Icon: "mdi:compass-outline"},
		{Key: "uv", Name: "UV Index", Device: outdoor, Preset: units.PresetUV, Icon: "mdi:weather-sunny-alert"},
		{Key: "solarradiation", Name: "Solar Radiation", Device: outdoor, Preset: units.PresetSolarRadiation},
		{Key: "vpd", Name: "VPD", Device: outdoor, Preset: units.PresetVPD, Icon: "mdi:water-percent"},
		{Key: "rainratein", Name: "Rain Rate", Device: outdoor, Preset: units.PresetRainRateIn},
		{Key: "eventrainin", Name: "Rain (Event)", Device: outdoor, Preset: units.PresetRainIn, StateClass: "total_increasing"},
		{Key: "hourlyrainin", Name: "Rain (Hourly)", Device: outdoor, Preset: units.PresetRainIn, StateClass: "total_increasing"},
		{Key: "dailyrainin", Name: "Rain (Daily)", Device: outdoor, Preset: units.PresetRainIn, StateClass: "total_increasing"},
		{Key: "weeklyrainin", Name: "Rain (Weekly)", Device: outdoor, Preset: units.PresetRainIn, StateClass: "total_increasing"},
		{Key: "monthlyrainin", Name: "Rain (Monthly)", Device: outdoor, Preset: units.PresetRainIn, StateClass: "total_increasing"},
		{Key: "yearlyrainin", Name: "Rain (Yearly)", Device: outdoor, Preset: units.PresetRainIn, StateClass: "total_increasing"},
		{Key: "stormrainin", Name: "Rain (Storm)", Device: outdoor, Preset: units.PresetRainIn, StateClass: "total_increasing"},
	}
}
