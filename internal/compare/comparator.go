package compare

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"glsnap-mcp-server/internal/config"
)

// Result describes one comparison. Diff, DiffPNG and DiffPath are only
// populated when Match is false.
type Result struct {
	Match       bool
	Difference  float64
	DiffPixels  int
	TotalPixels int
	Diff        *Raster
	DiffPNG     []byte
	DiffPath    string
}

// Diff compares two rasters pixel by pixel. Dimension mismatch is maximally
// different by policy and produces no diff image. Otherwise a pixel counts
// as different when any channel's absolute delta exceeds noiseDelta, and
// the diff raster (built only on mismatch) keeps the current image's pixels
// except that differing ones are painted opaque red.
func Diff(baseline, current *Raster, thresholdPercent float64, noiseDelta int) Result {
	if baseline.Width != current.Width || baseline.Height != current.Height {
		return Result{Match: false, Difference: 100}
	}

	total := baseline.Width * baseline.Height
	if total == 0 {
		return Result{Match: true, Difference: 0}
	}

	channels := baseline.Channels
	if current.Channels < channels {
		channels = current.Channels
	}

	marks := make([]bool, total)
	diffPixels := 0
	for i := 0; i < total; i++ {
		bo := i * baseline.Channels
		co := i * current.Channels
		for c := 0; c < channels; c++ {
			delta := int(baseline.Pix[bo+c]) - int(current.Pix[co+c])
			if delta < 0 {
				delta = -delta
			}
			if delta > noiseDelta {
				marks[i] = true
				diffPixels++
				break
			}
		}
	}

	difference := float64(diffPixels) / float64(total) * 100
	result := Result{
		Match:       difference <= thresholdPercent,
		Difference:  difference,
		DiffPixels:  diffPixels,
		TotalPixels: total,
	}
	if result.Match {
		return result
	}

	diff := &Raster{
		Width:    current.Width,
		Height:   current.Height,
		Channels: current.Channels,
		Pix:      make([]uint8, len(current.Pix)),
	}
	copy(diff.Pix, current.Pix)
	for i, marked := range marks {
		if !marked {
			continue
		}
		off := i * diff.Channels
		diff.Pix[off] = 0xFF
		diff.Pix[off+1] = 0
		diff.Pix[off+2] = 0
		if diff.Channels == 4 {
			diff.Pix[off+3] = 0xFF
		}
	}
	result.Diff = diff
	return result
}

// Comparator compares screenshots against baselines and persists annotated
// diff artifacts for failed comparisons. Each call is self-contained, so a
// single Comparator is safe to share across sessions.
type Comparator struct {
	cfg config.ComparatorConfig
}

func NewComparator(cfg config.ComparatorConfig) *Comparator {
	return &Comparator{cfg: cfg}
}

// CompareFiles reads and compares two PNG files.
func (c *Comparator) CompareFiles(baselinePath, currentPath string) (Result, error) {
	baselineData, err := os.ReadFile(baselinePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read baseline: %w", err)
	}
	currentData, err := os.ReadFile(currentPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read current image: %w", err)
	}
	return c.CompareBytes(baselineData, currentData)
}

// CompareBytes compares two in-memory PNGs. Decode failures propagate as
// errors with no partial result. On mismatch the diff image is annotated
// with the difference percentage and written under the configured diff
// directory; the encoded bytes stay on the Result so callers can inline
// them without a second read.
func (c *Comparator) CompareBytes(baselineData, currentData []byte) (Result, error) {
	baseline, err := DecodePNG(baselineData)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode baseline: %w", err)
	}
	current, err := DecodePNG(currentData)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode current image: %w", err)
	}

	result := Diff(baseline, current, c.cfg.GetThreshold(), c.cfg.GetNoiseDelta())
	if result.Diff == nil {
		return result, nil
	}

	annotated := annotateDifference(result.Diff, result.Difference)
	encoded, err := EncodePNG(annotated)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode diff image: %w", err)
	}
	result.DiffPNG = encoded

	if c.cfg.DiffDir != "" {
		path, saveErr := c.saveDiff(encoded)
		if saveErr != nil {
			return Result{}, saveErr
		}
		result.DiffPath = path
	}
	return result, nil
}

func (c *Comparator) saveDiff(encoded []byte) (string, error) {
	if err := os.MkdirAll(c.cfg.DiffDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create diff directory: %w", err)
	}
	path := filepath.Join(c.cfg.DiffDir, fmt.Sprintf("diff_%d.png", time.Now().UnixMilli()))
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return "", fmt.Errorf("failed to write diff image: %w", err)
	}
	return path, nil
}

// annotateDifference stamps the mismatch percentage into the top-left
// corner of a copy of the diff raster: white text on a black strip so it
// stays readable over the red highlights.
func annotateDifference(diff *Raster, difference float64) *Raster {
	img := diff.toNRGBA()
	label := fmt.Sprintf("%.2f%% different", difference)

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, label).Ceil()
	stripHeight := face.Height + 4
	stripWidth := textWidth + 8

	bounds := img.Bounds()
	for y := 0; y < stripHeight && y < bounds.Max.Y; y++ {
		for x := 0; x < stripWidth && x < bounds.Max.X; x++ {
			img.SetNRGBA(x, y, color.NRGBA{0, 0, 0, 255})
		}
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.P(4, face.Ascent+2),
	}
	drawer.DrawString(label)

	return &Raster{
		Width:    diff.Width,
		Height:   diff.Height,
		Channels: 4,
		Pix:      img.Pix,
	}
}
