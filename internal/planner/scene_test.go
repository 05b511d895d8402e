package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSceneID(t *testing.T) {
	tests := []struct {
		id         string
		mission    string
		instrument string
		tile       string
		acquired   time.Time
	}{
		{
			id:         "S2B_MSIL2A_20230915T131249_N0509_R138_T23KMR_20230915T171035",
			mission:    "sentinel-2",
			instrument: "msi",
			tile:       "23KMR",
			acquired:   time.Date(2023, 9, 15, 13, 12, 49, 0, time.UTC),
		},
		{
			id:         "LC08_L2SP_221071_20230810_20230812_02_T1",
			mission:    "landsat",
			instrument: "oli-tirs",
			tile:       "221071",
			acquired:   time.Date(2023, 8, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			id:         "LE07_L1TP_221071_20030810_20160928_01_T1",
			mission:    "landsat",
			instrument: "etm",
			tile:       "221071",
			acquired:   time.Date(2003, 8, 10, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			meta, err := ParseSceneID(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.mission, meta.Mission)
			assert.Equal(t, tt.instrument, meta.Instrument)
			assert.Equal(t, tt.tile, meta.Tile)
			assert.Equal(t, tt.acquired, meta.Acquired)
		})
	}
}

func TestParseSceneIDRejectsUnknown(t *testing.T) {
	for _, id := range []string{"", "S2A_20230915", "LC03_L2SP_221071_20230810_20230812_02_T1"} {
		_, err := ParseSceneID(id)
		assert.ErrorIs(t, err, ErrUnknownSceneID, id)
	}
}
