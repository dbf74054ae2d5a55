package features

// Geo risk coefficients by region tier.
const (
	GeoRiskLow     = 0.1
	GeoRiskNeutral = 0.4
	GeoRiskHigh    = 0.8
)

// geoRisk maps a country to its risk coefficient. Unknown countries are
// treated as neutral.
var geoRisk = map[string]float64{
	// Low-risk regions
	"Canada":  GeoRiskLow,
	"Germany": GeoRiskLow,
	"Japan":   GeoRiskLow,

	// Neutral-risk regions
	"Mexico": GeoRiskNeutral,
	"Brazil": GeoRiskNeutral,
	"Spain":  GeoRiskNeutral,
	"US":     GeoRiskNeutral,

	// High-risk regions
	"Venezuela": GeoRiskHigh,
	"Nigeria":   GeoRiskHigh,
	"Russia":    GeoRiskHigh,
	"Ukraine":   GeoRiskHigh,
	"China":     GeoRiskHigh,
}

// GeoRisk returns the risk coefficient for a country, defaulting to neutral.
func GeoRisk(country string) float64 {
	if risk, ok := geoRisk[country]; ok {
		return risk
	}
	return GeoRiskNeutral
}
