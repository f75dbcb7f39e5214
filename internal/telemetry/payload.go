package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Sample is one synthetic measurement rendered into a vendor payload.
type Sample struct {
	At          time.Time
	Temperature float64
	Humidity    float64
	Battery     float64
}

// RandomSample drifts around a cold-room setpoint.
func RandomSample(rng *rand.Rand, at time.Time) Sample {
	return Sample{
		At:          at,
		Temperature: 4 + rng.NormFloat64()*1.5,
		Humidity:    55 + rng.Float64()*10,
		Battery:     80 + rng.Float64()*20,
	}
}

// Payload renders s in the wire format of vendor.
func Payload(vendor, uid string, s Sample) ([]byte, error) {
	var body map[string]any
	switch strings.ToLower(vendor) {
	case "zion":
		body = map[string]any{"entity": map[string]any{"data": map[string]any{
			"tI":          []int{int(math.Round(s.Temperature * 100))},
			"hI":          []int{int(math.Round(s.Humidity * 100))},
			"CI":          1,
			"count":       1,
			"ldTimestamp": s.At.Unix(),
		}}}
	case "tzone":
		body = map[string]any{
			"msgtype": 3,
			"imei":    uid,
			"rtc":     s.At.UTC().Format("060102150405"),
			"gsm":     map[string]any{"csq": 20},
			"data": map[string]any{
				"temp": int(math.Round(s.Temperature * 10)),
				"humi": int(math.Round(s.Humidity * 10)),
				"bat":  math.Round(s.Battery),
			},
		}
	case "ideabyte":
		body = map[string]any{
			"tStamp": s.At.Unix(),
			"temp":   round1(s.Temperature),
			"hum":    round1(s.Humidity),
			"batt":   math.Round(s.Battery),
		}
	case "aliter":
		body = map[string]any{
			"ts":     s.At.Unix(),
			"device": uid,
			"rssi":   -70,
			"data": map[string]any{
				"A_TEMP":    round1(s.Temperature),
				"A_HUM":     round1(s.Humidity),
				"BATT_VOLT": 3000 + math.Round(s.Battery*6),
			},
		}
	case "sunsui":
		body = map[string]any{
			"timestamp": s.At.UTC().Format(time.RFC3339),
			"battery":   math.Round(s.Battery),
			"ch1":       round1(s.Temperature),
			"ch2":       round1(s.Humidity),
		}
	default:
		return nil, fmt.Errorf("telemetry: no payload format for vendor %q", vendor)
	}
	return json.Marshal(body)
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
