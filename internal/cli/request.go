package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// RequestFile is a build request together with the scenes it is built from.
type RequestFile struct {
	Request types.BuildRequest `yaml:",inline"`
	Scenes  []types.Scene      `yaml:"scenes"`
}

// loadRequest reads a request file. ".hcl" files are decoded as HCL,
// everything else as YAML.
func loadRequest(path string) (*RequestFile, error) {
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return loadRequestHCL(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	var rf RequestFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse request YAML: %w", err)
	}
	return &rf, nil
}

// ============================================================================
// HCL
// ============================================================================

type hclRequestFile struct {
	Cube           string      `hcl:"cube"`
	Version        int         `hcl:"version"`
	Start          string      `hcl:"start"`
	End            string      `hcl:"end"`
	Composite      string      `hcl:"composite"`
	Collections    []string    `hcl:"collections"`
	Bands          []string    `hcl:"bands"`
	NoData         *int        `hcl:"nodata,optional"`
	CloudThreshold *int        `hcl:"cloud_threshold,optional"`
	Tiles          []string    `hcl:"tiles,optional"`
	Force          bool        `hcl:"force,optional"`
	Grid           hclGrid     `hcl:"grid,block"`
	Period         hclPeriod   `hcl:"period,block"`
	AOI            *types.BBox `hcl:"aoi,block"`
	Indexes        []hclIndex  `hcl:"index,block"`
	Scenes         []hclScene  `hcl:"scene,block"`
}

type hclGrid struct {
	Name      string  `hcl:"name,label"`
	CRS       string  `hcl:"crs"`
	OriginX   float64 `hcl:"origin_x"`
	OriginY   float64 `hcl:"origin_y"`
	TileSize  float64 `hcl:"tile_size"`
	PixelSize float64 `hcl:"pixel_size"`
	Rows      int     `hcl:"rows"`
	Cols      int     `hcl:"cols"`
}

type hclPeriod struct {
	Unit string `hcl:"unit"`
	Step int    `hcl:"step"`
}

type hclIndex struct {
	Name string `hcl:"name,label"`
	A    string `hcl:"a"`
	B    string `hcl:"b"`
}

type hclScene struct {
	ID         string     `hcl:"id,label"`
	Collection string     `hcl:"collection"`
	Acquired   string     `hcl:"acquired,optional"`
	CloudCover float64    `hcl:"cloud_cover,optional"`
	Footprint  types.BBox `hcl:"footprint,block"`
}

func loadRequestHCL(path string) (*RequestFile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var parsed hclRequestFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	start, err := parseDate(parsed.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid start in %s: %w", path, err)
	}
	end, err := parseDate(parsed.End)
	if err != nil {
		return nil, fmt.Errorf("invalid end in %s: %w", path, err)
	}

	req := types.BuildRequest{
		Cube:    parsed.Cube,
		Version: parsed.Version,
		Grid: types.GridDef{
			Name:      parsed.Grid.Name,
			CRS:       parsed.Grid.CRS,
			OriginX:   parsed.Grid.OriginX,
			OriginY:   parsed.Grid.OriginY,
			TileSize:  parsed.Grid.TileSize,
			PixelSize: parsed.Grid.PixelSize,
			Rows:      parsed.Grid.Rows,
			Cols:      parsed.Grid.Cols,
		},
		AOI:         parsed.AOI,
		Start:       start,
		End:         end,
		Period:      types.PeriodSpec{Unit: types.PeriodUnit(parsed.Period.Unit), Step: parsed.Period.Step},
		Composite:   types.CompositeFunc(parsed.Composite),
		Collections: parsed.Collections,
		Bands:       parsed.Bands,
		Force:       parsed.Force,
	}
	if parsed.NoData != nil {
		req.NoData = int16(*parsed.NoData)
	}
	if parsed.CloudThreshold != nil {
		req.CloudThreshold = uint8(*parsed.CloudThreshold)
	}
	for _, t := range parsed.Tiles {
		req.Tiles = append(req.Tiles, types.TileID(t))
	}
	for _, idx := range parsed.Indexes {
		req.Indexes = append(req.Indexes, types.IndexSpec{Name: idx.Name, A: idx.A, B: idx.B})
	}

	rf := &RequestFile{Request: req}
	for _, s := range parsed.Scenes {
		scene := types.Scene{ID: s.ID, Collection: s.Collection, CloudCover: s.CloudCover, Footprint: s.Footprint}
		if s.Acquired != "" {
			if scene.Acquired, err = parseDate(s.Acquired); err != nil {
				return nil, fmt.Errorf("invalid acquired of scene %s: %w", s.ID, err)
			}
		}
		rf.Scenes = append(rf.Scenes, scene)
	}
	return rf, nil
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
