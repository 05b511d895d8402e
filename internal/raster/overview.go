package raster

// MaxOverviewLevels bounds the pyramid depth.
const MaxOverviewLevels = 4

// Downsample2x halves a plane by averaging each 2x2 block, ignoring nodata.
// A block with no valid pixel stays nodata. Odd edges are averaged over the
// pixels that exist.
func Downsample2x(data []int16, width, height int, nodata int16) ([]int16, int, int) {
	w2, h2 := (width+1)/2, (height+1)/2
	out := make([]int16, w2*h2)

	for y := 0; y < h2; y++ {
		for x := 0; x < w2; x++ {
			var sum int64
			var count int64
			for dy := 0; dy < 2; dy++ {
				sy := 2*y + dy
				if sy >= height {
					continue
				}
				for dx := 0; dx < 2; dx++ {
					sx := 2*x + dx
					if sx >= width {
						continue
					}
					v := data[sy*width+sx]
					if v == nodata {
						continue
					}
					sum += int64(v)
					count++
				}
			}
			if count == 0 {
				out[y*w2+x] = nodata
			} else {
				out[y*w2+x] = int16(sum / count)
			}
		}
	}
	return out, w2, h2
}

// BuildOverviews reduces every band of c until either side reaches one pixel
// or maxLevels levels exist.
func BuildOverviews(c *Composite, maxLevels int) []Overview {
	if maxLevels <= 0 || maxLevels > MaxOverviewLevels {
		maxLevels = MaxOverviewLevels
	}

	var levels []Overview
	bands := c.Bands
	w, h := c.Width, c.Height
	for level := 1; level <= maxLevels && w > 1 && h > 1; level++ {
		next := make([]Band, len(bands))
		var nw, nh int
		for i, b := range bands {
			var data []int16
			data, nw, nh = Downsample2x(b.Data, w, h, c.NoData)
			next[i] = Band{Name: b.Name, Data: data}
		}
		levels = append(levels, Overview{Level: level, Width: nw, Height: nh, Bands: next})
		bands, w, h = next, nw, nh
	}
	return levels
}
