package domain

type SensorKind string

const (
	Temperature      SensorKind = "temperature"
	Humidity         SensorKind = "humidity"
	ProbeTemperature SensorKind = "probe_temperature"
	Light            SensorKind = "light"
	Shock            SensorKind = "shock"
	Location         SensorKind = "location"
)

func (k SensorKind) Label() string {
	switch k {
	case Temperature:
		return "Temperature"
	case Humidity:
		return "Humidity"
	case ProbeTemperature:
		return "Probe temperature"
	case Light:
		return "Light"
	case Shock:
		return "Shock"
	case Location:
		return "Location"
	}
	return string(k)
}

func (k SensorKind) Unit() string {
	switch k {
	case Temperature, ProbeTemperature:
		return "°C"
	case Humidity:
		return "%"
	case Light:
		return " lx"
	case Shock:
		return " g"
	}
	return ""
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SensorValue is either numeric or a point, never both.
type SensorValue struct {
	Kind     SensorKind     `json:"kind"`
	Value    *float64       `json:"value,omitempty"`
	Point    *GeoPoint      `json:"point,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func Numeric(kind SensorKind, v float64) SensorValue {
	return SensorValue{Kind: kind, Value: &v}
}

func Point(kind SensorKind, lat, lng float64) SensorValue {
	return SensorValue{Kind: kind, Point: &GeoPoint{Latitude: lat, Longitude: lng}}
}

// SensorValues maps a slot number to its value.
type SensorValues map[int]SensorValue
