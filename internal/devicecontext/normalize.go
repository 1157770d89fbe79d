package devicecontext

import (
	"math"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
)

// ParsedTimestamp is the result of ParseDeviceTimestamp.
type ParsedTimestamp struct {
	ISOTimestamp string
	Source       string // "device" | "server_fallback"
	OriginalRaw  string
	Time         time.Time
}

const (
	sourceDevice         = "device"
	sourceServerFallback = "server_fallback"
)

// deviceTimestampLayout is firmware's space-separated alternative to ISO-8601
// ("YYYY-MM-DD HH:MM:SS"), normalized to an implicit UTC Z suffix.
const deviceTimestampLayout = "2006-01-02 15:04:05"

// ParseDeviceTimestamp implements parse_device_timestamp. It accepts
// ISO-8601 with a trailing Z, and firmware's "YYYY-MM-DD HH:MM:SS" shape
// (interpreted as UTC). Years outside [2020, 2100] and parse failures fall
// back to the server clock.
func ParseDeviceTimestamp(raw string, now time.Time) ParsedTimestamp {
	trimmed := strings.TrimSpace(raw)

	fallback := ParsedTimestamp{
		ISOTimestamp: now.UTC().Format(time.RFC3339),
		Source:       sourceServerFallback,
		OriginalRaw:  raw,
		Time:         now.UTC(),
	}

	if trimmed == "" {
		return fallback
	}

	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		parsed, err = time.ParseInLocation(deviceTimestampLayout, trimmed, time.UTC)
	}
	if err != nil {
		return fallback
	}

	parsed = parsed.UTC()
	if parsed.Year() < 2020 || parsed.Year() > 2100 {
		return fallback
	}

	return ParsedTimestamp{
		ISOTimestamp: parsed.Format(time.RFC3339),
		Source:       sourceDevice,
		OriginalRaw:  raw,
		Time:         parsed,
	}
}

// celsiusWarnLow and celsiusWarnHigh bound the range outside which
// CelsiusToFahrenheit logs a warning but still converts the value.
const (
	celsiusWarnLow  = -40.0
	celsiusWarnHigh = 85.0
)

// CelsiusToFahrenheit implements celsius_to_fahrenheit: nil in, nil out;
// rounds to 2 decimal places; warns (but still converts) outside [-40, 85].
func CelsiusToFahrenheit(celsius *float64, log logrus.FieldLogger) *float64 {
	if celsius == nil {
		return nil
	}
	if *celsius < celsiusWarnLow || *celsius > celsiusWarnHigh {
		if log != nil {
			log.WithField("celsius", *celsius).Warn("temperature reading outside expected sensor range")
		}
	}
	f := (*celsius*1.8 + 32)
	rounded := math.Round(f*100) / 100
	return &rounded
}

// RawMetadata is the as-received, not-yet-normalized metadata payload from a
// device's /data metadata message.
type RawMetadata map[string]any

// NormalizedMetadata is the canonical shape every downstream consumer sees,
// after NormalizeMetadata has folded all firmware field-name variants.
type NormalizedMetadata struct {
	ImageName      string
	ImageID        string
	ImageSize      int64
	CapturedAtRaw  string
	MaxChunkSize   int
	TotalChunks    int
	Location       string
	Temperature    *float64 // Celsius
	Humidity       *float64
	Pressure       *float64
	GasResistance  *float64
	BatteryVoltage *float64
}

// timestampFieldAliases are the firmware field-name variants that all mean
// "the time this image was captured."
var timestampFieldAliases = []string{"timestamp", "capture_timestamp", "capture_timeStamp"}

// maxChunkSizeFieldAliases are the firmware field-name variants for the
// declared per-chunk size.
var maxChunkSizeFieldAliases = []string{"max_chunks_size", "max_chunk_size"}

// totalChunksFieldAliases are the firmware field-name variants for the
// declared chunk count.
var totalChunksFieldAliases = []string{"total_chunk_count", "total_chunks_count"}

// NormalizeMetadata implements normalize_metadata: resolves firmware's
// inconsistent field-name variants and extracts nested sensor_data into flat
// fields. Temperature is preserved in Celsius here; conversion to Fahrenheit
// happens at persistence boundaries (devicecontext.CelsiusToFahrenheit).
func NormalizeMetadata(raw RawMetadata) NormalizedMetadata {
	folded := foldFieldNames(raw)

	n := NormalizedMetadata{
		ImageName:     asString(folded["image_name"]),
		ImageID:       asString(folded["image_id"]),
		ImageSize:     asInt64(folded["image_size"]),
		CapturedAtRaw: firstNonEmptyString(folded, timestampFieldAliases),
		MaxChunkSize:  int(firstNonZeroInt(folded, maxChunkSizeFieldAliases)),
		TotalChunks:   int(firstNonZeroInt(folded, totalChunksFieldAliases)),
		Location:      asString(folded["location"]),
	}

	sensors, _ := folded["sensor_data"].(map[string]any)
	n.Temperature = floatField(sensors, folded, "temperature")
	n.Humidity = floatField(sensors, folded, "humidity")
	n.Pressure = floatField(sensors, folded, "pressure")
	n.GasResistance = floatField(sensors, folded, "gas_resistance")
	n.BatteryVoltage = floatPtr(folded["battery_voltage"])

	return n
}

// foldFieldNames applies case folding (strcase) across the top-level keys of
// a firmware payload so that e.g. "ImageName"/"image-name"/"imageName" all
// land on "image_name" before the explicit alias tables above take over for
// the cases casing alone cannot resolve (distinct synonym field names).
func foldFieldNames(raw RawMetadata) map[string]any {
	folded := make(map[string]any, len(raw))
	for k, v := range raw {
		folded[strcase.ToSnake(k)] = v
	}
	return folded
}

func floatField(sensors map[string]any, flat map[string]any, name string) *float64 {
	if sensors != nil {
		if v, ok := sensors[name]; ok {
			return floatPtr(v)
		}
	}
	return floatPtr(flat[name])
}

func firstNonEmptyString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s := asString(m[strcase.ToSnake(k)]); s != "" {
			return s
		}
	}
	return ""
}

func firstNonZeroInt(m map[string]any, keys []string) int64 {
	for _, k := range keys {
		if v := asInt64(m[strcase.ToSnake(k)]); v != 0 {
			return v
		}
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func floatPtr(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case float32:
		f := float64(t)
		return &f
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	default:
		return nil
	}
}
