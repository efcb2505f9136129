package assetstore

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"collicam/internal/overlay"
)

// Overlay is one image layer composited over the video for a time window
type Overlay struct {
	URL         string
	Width       int
	Crop        string
	Gravity     string
	X, Y        int
	StartOffset float64
	EndOffset   float64
}

// Layer returns the transformation component of the overlay. Remote
// images are referenced with the base64url "fetch" layer syntax.
func (o Overlay) Layer() string {
	parts := []string{
		"l_fetch:" + base64.URLEncoding.EncodeToString([]byte(o.URL)),
		fmt.Sprintf("w_%d", o.Width),
		"c_" + o.Crop,
		"g_" + o.Gravity,
		fmt.Sprintf("x_%d", o.X),
		fmt.Sprintf("y_%d", o.Y),
		"so_" + formatOffset(o.StartOffset),
		"eo_" + formatOffset(o.EndOffset),
	}
	return strings.Join(parts, ",")
}

// OverlaysFromPlan anchors every plan entry bottom-left, 10px in, scaled
// to 400px wide
func OverlaysFromPlan(plan overlay.Plan) []Overlay {
	out := make([]Overlay, 0, len(plan))
	for _, e := range plan {
		out = append(out, Overlay{
			URL:         e.ImageRef,
			Width:       400,
			Crop:        "scale",
			Gravity:     "south_west",
			X:           10,
			Y:           10,
			StartOffset: e.StartOffsetSeconds,
			EndOffset:   e.EndOffsetSeconds,
		})
	}
	return out
}

// Transformation chains the overlay layers into one eager transformation
func Transformation(overlays []Overlay) string {
	layers := make([]string, len(overlays))
	for i, o := range overlays {
		layers[i] = o.Layer()
	}
	return strings.Join(layers, "/")
}

func formatOffset(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
