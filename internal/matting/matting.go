// Package matting carves the backdrop out of a generated image so it can
// be used as a sprite. The algorithm is deterministic and self-contained:
// it estimates the backdrop color from the image borders, grows a
// border-connected background region, cleans it up with a majority vote
// and feathers the alpha across a color-distance band.
//
// It never fails: on a decode error, degenerate geometry or an implausible
// background fraction the original asset is returned unchanged, since a
// missed matte must not block the pipeline from producing a usable image.
//
// Known limitation: the low-saturation guard applies only to achromatic
// backdrops. A chroma-key-green image whose subject has a desaturated edge
// may keep slightly more halo than an achromatic one.
package matting

import (
	"bytes"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"
	"sort"

	"github.com/theazureday/story-creator/internal/imagegen"
)

// Config exposes the tuned constants of the matte. The defaults were
// settled empirically; change them only with evidence.
type Config struct {
	ThresholdBright   float64 // achromatic backdrop, normal brightness
	ThresholdDark     float64 // achromatic backdrop, mean brightness < 50
	ThresholdChroma   float64 // chroma-key green backdrop
	Feather           float64 // color-distance width of the alpha ramp
	MinBackgroundFrac float64 // below this the background model is wrong
	MaxBackgroundFrac float64 // above this the background model is wrong
}

// DefaultConfig returns the standard matting parameters.
func DefaultConfig() Config {
	return Config{
		ThresholdBright:   70,
		ThresholdDark:     110,
		ThresholdChroma:   80,
		Feather:           15,
		MinBackgroundFrac: 0.05,
		MaxBackgroundFrac: 0.92,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThresholdBright <= 0 {
		c.ThresholdBright = d.ThresholdBright
	}
	if c.ThresholdDark <= 0 {
		c.ThresholdDark = d.ThresholdDark
	}
	if c.ThresholdChroma <= 0 {
		c.ThresholdChroma = d.ThresholdChroma
	}
	if c.Feather <= 0 {
		c.Feather = d.Feather
	}
	if c.MinBackgroundFrac <= 0 {
		c.MinBackgroundFrac = d.MinBackgroundFrac
	}
	if c.MaxBackgroundFrac <= 0 || c.MaxBackgroundFrac >= 1 {
		c.MaxBackgroundFrac = d.MaxBackgroundFrac
	}
	return c
}

type rgb struct{ r, g, b int }

// RemoveBackground mattes the asset with the default configuration.
func RemoveBackground(asset imagegen.Asset) imagegen.Asset {
	return RemoveBackgroundWith(asset, DefaultConfig())
}

// RemoveBackgroundWith mattes the asset with the given configuration. The
// result is always a PNG, since the matte needs an alpha channel.
func RemoveBackgroundWith(asset imagegen.Asset, cfg Config) imagegen.Asset {
	cfg = cfg.withDefaults()
	src, _, err := image.Decode(bytes.NewReader(asset.Data))
	if err != nil {
		return asset
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 4 || h < 4 {
		return asset
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), src, bounds.Min, draw.Src)

	edges := edgeColors(img, w, h)
	chromaKey := isChromaKey(edges)
	achromatic := !chromaKey && isAchromatic(edges)

	threshold := cfg.ThresholdBright
	switch {
	case chromaKey:
		threshold = cfg.ThresholdChroma
	case achromatic && meanBrightness(edges) < 50:
		threshold = cfg.ThresholdDark
	}
	feather := cfg.Feather

	// Pass 1: classify every pixel against the nearest edge color. For
	// achromatic backdrops a candidate must itself be low-saturation, so
	// the fill cannot creep into a subject region that is merely
	// color-close to the backdrop.
	candidate := make([]bool, w*h)
	dist := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			px := pixelAt(img, x, y)
			d := nearestEdgeDistance(px, edges)
			dist[i] = d
			if d >= threshold+feather {
				continue
			}
			if achromatic && !lowSaturation(px) {
				continue
			}
			candidate[i] = true
		}
	}

	// Pass 2: keep only candidates topologically connected to the image
	// border. Isolated color-close patches inside the subject (a pale
	// shirt, a bright eye) survive the matte.
	background := borderConnected(candidate, w, h)

	// Pass 3: 7x7 majority vote removes ragged single-pixel noise along
	// the matte boundary.
	cleaned := majorityFilter(background, w, h)

	// The background model is wrong if it claims almost nothing or almost
	// everything; in that case refuse to carve.
	bgCount := 0
	for _, v := range cleaned {
		if v {
			bgCount++
		}
	}
	frac := float64(bgCount) / float64(w*h)
	if frac < cfg.MinBackgroundFrac || frac > cfg.MaxBackgroundFrac {
		return asset
	}

	// Alpha carving: fully transparent below the threshold, a linear ramp
	// across the feather band, and never raising an alpha that is already
	// lower than what the ramp yields.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !cleaned[i] {
				continue
			}
			var alpha uint8
			switch d := dist[i]; {
			case d < threshold:
				alpha = 0
			case d < threshold+feather:
				alpha = uint8(math.Round(255 * (d - threshold) / feather))
			default:
				continue
			}
			pos := img.PixOffset(x, y)
			if alpha < img.Pix[pos+3] {
				img.Pix[pos+3] = alpha
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return asset
	}
	return imagegen.Asset{Data: buf.Bytes(), MediaType: "image/png"}
}

func pixelAt(img *image.NRGBA, x, y int) rgb {
	pos := img.PixOffset(x, y)
	return rgb{int(img.Pix[pos]), int(img.Pix[pos+1]), int(img.Pix[pos+2])}
}

// edgeColors estimates the backdrop color per border by taking the median
// of every second pixel along each edge. Medians resist outliers such as
// anti-aliased seams that a mean would smear in.
func edgeColors(img *image.NRGBA, w, h int) [4]rgb {
	var top, bottom, left, right []rgb
	for x := 0; x < w; x += 2 {
		top = append(top, pixelAt(img, x, 0))
		bottom = append(bottom, pixelAt(img, x, h-1))
	}
	for y := 0; y < h; y += 2 {
		left = append(left, pixelAt(img, 0, y))
		right = append(right, pixelAt(img, w-1, y))
	}
	return [4]rgb{median(top), median(bottom), median(left), median(right)}
}

func median(samples []rgb) rgb {
	n := len(samples)
	rs := make([]int, n)
	gs := make([]int, n)
	bs := make([]int, n)
	for i, s := range samples {
		rs[i], gs[i], bs[i] = s.r, s.g, s.b
	}
	sort.Ints(rs)
	sort.Ints(gs)
	sort.Ints(bs)
	return rgb{rs[n/2], gs[n/2], bs[n/2]}
}

func spread(c rgb) int {
	maxc := max(c.r, max(c.g, c.b))
	minc := min(c.r, min(c.g, c.b))
	return maxc - minc
}

func isAchromatic(edges [4]rgb) bool {
	for _, e := range edges {
		if spread(e) >= 35 {
			return false
		}
	}
	return true
}

func isChromaKey(edges [4]rgb) bool {
	for _, e := range edges {
		if e.g > 150 && e.r < 120 && e.b < 120 {
			return true
		}
	}
	return false
}

func meanBrightness(edges [4]rgb) float64 {
	sum := 0
	for _, e := range edges {
		sum += e.r + e.g + e.b
	}
	return float64(sum) / 12
}

// nearestEdgeDistance is the Euclidean RGB distance to the closest of the
// four edge estimates. No gamma correction; the thresholds were tuned on
// raw 8-bit channels.
func nearestEdgeDistance(p rgb, edges [4]rgb) float64 {
	best := math.MaxFloat64
	for _, e := range edges {
		dr := float64(p.r - e.r)
		dg := float64(p.g - e.g)
		db := float64(p.b - e.b)
		if d := dr*dr + dg*dg + db*db; d < best {
			best = d
		}
	}
	return math.Sqrt(best)
}

// lowSaturation requires both an absolute and a relative channel spread
// below the cutoffs. Near-black pixels count as low-saturation regardless,
// since their relative spread is numerically meaningless.
func lowSaturation(p rgb) bool {
	maxc := max(p.r, max(p.g, p.b))
	if maxc <= 10 {
		return true
	}
	s := spread(p)
	return s < 30 && float64(s)/float64(maxc) < 0.18
}

// borderConnected floods through the mask from every border pixel with
// 4-connectivity and returns the subset actually reachable from the edge.
func borderConnected(mask []bool, w, h int) []bool {
	out := make([]bool, w*h)
	queue := make([]int, 0, w*2+h*2)
	push := func(x, y int) {
		i := y*w + x
		if mask[i] && !out[i] {
			out[i] = true
			queue = append(queue, i)
		}
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		x, y := i%w, i/w
		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}
	return out
}

// majorityFilter keeps a background pixel only if at least 65% of its 7x7
// in-bounds neighborhood is also background. Votes are counted against a
// snapshot so the pass order cannot influence the result.
func majorityFilter(mask []bool, w, h int) []bool {
	out := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			total, bg := 0, 0
			for ny := y - 3; ny <= y+3; ny++ {
				if ny < 0 || ny >= h {
					continue
				}
				for nx := x - 3; nx <= x+3; nx++ {
					if nx < 0 || nx >= w {
						continue
					}
					total++
					if mask[ny*w+nx] {
						bg++
					}
				}
			}
			if bg*20 >= total*13 {
				out[y*w+x] = true
			}
		}
	}
	return out
}
