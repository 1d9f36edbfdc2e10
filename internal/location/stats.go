package location

// LocationStats is the client-facing sensor record for one location.
type LocationStats struct {
	// ID is the record identity, a canonical UUID string.
	ID string `json:"id"`

	// SeismicActivity is the measured seismic activity at the location.
	SeismicActivity float64 `json:"seismic_activity"`

	// TemperatureC is the measured temperature in degrees Celsius.
	TemperatureC float64 `json:"temperature_c"`

	// RadiationLevel is the measured radiation level at the location.
	RadiationLevel float64 `json:"radiation_level"`
}

// EnrichedLocationStats is the authoritative server-side record: the client
// stats plus the per-key modification counter maintained by the owner node.
type EnrichedLocationStats struct {
	ID                string  `json:"id"`
	ModificationCount int64   `json:"modification_count"`
	SeismicActivity   float64 `json:"seismic_activity"`
	TemperatureC      float64 `json:"temperature_c"`
	RadiationLevel    float64 `json:"radiation_level"`
}

// Enrich builds the authoritative record from client stats and the current
// modification count.
func Enrich(stats LocationStats, modificationCount int64) EnrichedLocationStats {
	return EnrichedLocationStats{
		ID:                stats.ID,
		ModificationCount: modificationCount,
		SeismicActivity:   stats.SeismicActivity,
		TemperatureC:      stats.TemperatureC,
		RadiationLevel:    stats.RadiationLevel,
	}
}
