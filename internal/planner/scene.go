package planner

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrUnknownSceneID the id matches none of the supported naming conventions.
var ErrUnknownSceneID = errors.New("unrecognized scene id")

// SceneMeta fields recovered from a scene identifier.
type SceneMeta struct {
	ID         string
	Mission    string // "sentinel-2" or "landsat"
	Satellite  string
	Instrument string
	Level      string
	Acquired   time.Time
	Tile       string // MGRS tile or WRS path/row
}

var (
	sentinel2Pattern = regexp.MustCompile(`(?i)^S(\w)([AB])_MSI(L[0-2][ABC])_` +
		`([0-9]{8})T([0-9]{6})_N([0-9]{4})_R([0-9]{3})_T([0-9]{2}\w{3})_([0-9]{8}T[0-9]{6})$`)

	landsatPattern = regexp.MustCompile(`(?i)^L(\w)(\w{2})_(\w{4})_([0-9]{3})([0-9]{3})_` +
		`([0-9]{8})_([0-9]{8})_(\w{2})_(\w{2})$`)

	landsatInstruments = map[string]string{
		"05": "tm",
		"07": "etm",
		"08": "oli-tirs",
		"09": "oli-tirs",
	}
)

// ParseSceneID recognizes Sentinel-2 and Landsat product ids.
func ParseSceneID(id string) (SceneMeta, error) {
	if m := sentinel2Pattern.FindStringSubmatch(id); m != nil {
		acquired, err := time.Parse("20060102T150405", m[4]+"T"+m[5])
		if err != nil {
			return SceneMeta{}, fmt.Errorf("%w: %s: %v", ErrUnknownSceneID, id, err)
		}
		return SceneMeta{
			ID:         id,
			Mission:    "sentinel-2",
			Satellite:  "S" + m[1] + strings.ToUpper(m[2]),
			Instrument: "msi",
			Level:      strings.ToUpper(m[3]),
			Acquired:   acquired.UTC(),
			Tile:       strings.ToUpper(m[8]),
		}, nil
	}

	if m := landsatPattern.FindStringSubmatch(id); m != nil {
		acquired, err := time.Parse("20060102", m[6])
		if err != nil {
			return SceneMeta{}, fmt.Errorf("%w: %s: %v", ErrUnknownSceneID, id, err)
		}
		instrument, ok := landsatInstruments[m[2]]
		if !ok {
			return SceneMeta{}, fmt.Errorf("%w: %s: unknown landsat satellite %q", ErrUnknownSceneID, id, m[2])
		}
		return SceneMeta{
			ID:         id,
			Mission:    "landsat",
			Satellite:  "L" + strings.ToUpper(m[1]) + m[2],
			Instrument: instrument,
			Level:      strings.ToUpper(m[3]),
			Acquired:   acquired.UTC(),
			Tile:       m[4] + m[5],
		}, nil
	}

	return SceneMeta{}, fmt.Errorf("%w: %s", ErrUnknownSceneID, id)
}
