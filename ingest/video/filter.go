package video

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/corona10/goimagehash"
)

const (
	// minFrameDimension drops thumbnails and broken decodes.
	minFrameDimension = 50
	// dupHashDistance is the maximum pHash Hamming distance for a frame to
	// be considered a candidate duplicate of the previous keeper.
	dupHashDistance = 10
	// dupSSIMThreshold confirms a duplicate candidate structurally.
	dupSSIMThreshold = 0.92
	// ssimSide is the downscale target for SSIM comparison.
	ssimSide = 64
)

// FilterResult is the output of duplicate filtering.
type FilterResult struct {
	// Filtered keeps one frame per visually distinct state.
	Filtered []Frame `json:"filtered"`
	// All lists every decodable frame.
	All []Frame `json:"all"`
	// DuplicateMap maps a dropped frame's index to its canonical keeper's
	// index so assembly can attribute analyses to every timestamp.
	DuplicateMap map[int]int `json:"duplicate_map"`
	// Metadata carries the probed video properties.
	Metadata *Metadata `json:"metadata,omitempty"`
}

// FilterFrames drops near-duplicate and undersized frames. Duplicates are
// detected against the previous kept frame by perceptual hash distance
// confirmed with SSIM.
func FilterFrames(ctx context.Context, frames []Frame, meta *Metadata) (*FilterResult, error) {
	res := &FilterResult{DuplicateMap: make(map[int]int), Metadata: meta}
	var (
		prevHash *goimagehash.ImageHash
		prevGray []float64
		prevKept = -1
	)
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := loadImage(frame.Path)
		if err != nil {
			// Skip undecodable frames entirely; they are neither kept nor
			// mapped to a keeper.
			continue
		}
		bounds := img.Bounds()
		if bounds.Dx() < minFrameDimension || bounds.Dy() < minFrameDimension {
			continue
		}
		res.All = append(res.All, frame)

		hash, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return nil, fmt.Errorf("hash frame %d: %w", frame.Index, err)
		}
		gray := grayScale(img, ssimSide)

		if prevHash != nil && prevKept >= 0 {
			dist, err := hash.Distance(prevHash)
			if err == nil && dist <= dupHashDistance && ssim(gray, prevGray) >= dupSSIMThreshold {
				res.DuplicateMap[frame.Index] = prevKept
				continue
			}
		}
		res.Filtered = append(res.Filtered, frame)
		prevHash = hash
		prevGray = gray
		prevKept = frame.Index
	}
	return res, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// grayScale resamples an image to side×side luminance values in [0,255].
func grayScale(img image.Image, side int) []float64 {
	bounds := img.Bounds()
	out := make([]float64, side*side)
	for y := 0; y < side; y++ {
		srcY := bounds.Min.Y + y*bounds.Dy()/side
		for x := 0; x < side; x++ {
			srcX := bounds.Min.X + x*bounds.Dx()/side
			g := color.GrayModel.Convert(img.At(srcX, srcY)).(color.Gray)
			out[y*side+x] = float64(g.Y)
		}
	}
	return out
}

// ssim computes the global structural similarity of two equal-length
// luminance vectors using the standard constants for 8-bit dynamic range.
func ssim(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	const (
		c1 = 6.5025  // (0.01*255)^2
		c2 = 58.5225 // (0.03*255)^2
	)
	n := float64(len(a))
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n
	var varA, varB, cov float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		varA += da * da
		varB += db * db
		cov += da * db
	}
	varA /= n - 1
	varB /= n - 1
	cov /= n - 1
	return ((2*meanA*meanB + c1) * (2*cov + c2)) /
		((meanA*meanA + meanB*meanB + c1) * (varA + varB + c2))
}
