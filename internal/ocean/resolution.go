package ocean

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
)

// ErrBadResolution marks a resolution that is not a positive number of km.
var ErrBadResolution = errors.New("bad resolution")

// Resolution is a horizontal mesh spacing in km.
type Resolution float64

// ParseResolution accepts "60km", "60 km", "60" or "0.5km".
func ParseResolution(s string) (Resolution, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	v = strings.TrimSpace(strings.TrimSuffix(v, "km"))
	km, err := strconv.ParseFloat(v, 64)
	if err != nil || km <= 0 || math.IsInf(km, 0) || math.IsNaN(km) {
		return 0, fmt.Errorf("%w: %q", ErrBadResolution, s)
	}
	return Resolution(km), nil
}

// String is the directory name, e.g. "60km".
func (r Resolution) String() string {
	return strconv.FormatFloat(float64(r), 'f', -1, 64) + "km"
}

// KM returns the spacing as a float.
func (r Resolution) KM() float64 { return float64(r) }

// resolutions reads a list option, keeping the order given and dropping
// repeats.
func resolutions(cfg *caseconfig.Config, section, key string) ([]Resolution, error) {
	items, err := cfg.GetList(section, key)
	if err != nil {
		return nil, err
	}
	seen := make(map[Resolution]bool, len(items))
	var out []Resolution
	for _, item := range items {
		r, err := ParseResolution(item)
		if err != nil {
			return nil, fmt.Errorf("[%s] %s: %w", section, key, err)
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("[%s] %s: %w: empty list", section, key, ErrBadResolution)
	}
	return out, nil
}
