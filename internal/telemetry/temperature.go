package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/bardlex/gominer/pkg/errors"
)

// TemperatureReader returns the current CPU temperature in °C
type TemperatureReader func(ctx context.Context) (float64, error)

const thermalZones = 10

// ThermalZoneReader reads the first usable thermal_zone{0..9}/temp under
// sysRoot (normally /sys). Values are millidegrees.
func ThermalZoneReader(sysRoot string) TemperatureReader {
	return func(ctx context.Context) (float64, error) {
		for i := 0; i < thermalZones; i++ {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			path := filepath.Join(sysRoot, "class", "thermal", fmt.Sprintf("thermal_zone%d", i), "temp")
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
			if err != nil {
				continue
			}
			return float64(milli) / 1000, nil
		}
		return 0, errors.NotFound("read_temperature", "thermal_zone").WithContext("root", sysRoot)
	}
}

// SensorsReader asks gopsutil for hardware sensor readings and returns the
// hottest one.
func SensorsReader(ctx context.Context) (float64, error) {
	temps, err := sensors.TemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err == nil {
			return 0, errors.NotFound("read_temperature", "sensors")
		}
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "read_temperature", "failed to read sensors")
	}

	hottest := temps[0].Temperature
	for _, t := range temps[1:] {
		hottest = max(hottest, t.Temperature)
	}
	return hottest, nil
}

// defaultTemperatureReader prefers sysfs and falls back to gopsutil
func defaultTemperatureReader() TemperatureReader {
	sysfs := ThermalZoneReader("/sys")
	return func(ctx context.Context) (float64, error) {
		if v, err := sysfs(ctx); err == nil {
			return v, nil
		}
		return SensorsReader(ctx)
	}
}
