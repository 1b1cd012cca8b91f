package validation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tessera-ml/tessera/diffusion/pipeline"
)

// Resolution is one requested output size.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolutions parses the configured resolution list: "512" is square,
// "768x512" explicit, comma-separated entries multiply the validation grid.
// Sizes are rounded to the family's supported multiple; edges below the
// family minimum are a configuration error.
func ParseResolutions(s string, desc pipeline.Descriptor) ([]Resolution, error) {
	var out []Resolution
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		res, err := parseOne(part)
		if err != nil {
			return nil, err
		}

		if desc.MinEdge > 0 && (res.Width < desc.MinEdge || res.Height < desc.MinEdge) {
			return nil, fmt.Errorf("validation: resolution %s is below the model's %dpx minimum edge", res, desc.MinEdge)
		}

		if desc.Multiple > 1 {
			res.Width = roundTo(res.Width, desc.Multiple)
			res.Height = roundTo(res.Height, desc.Multiple)
		}
		out = append(out, res)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("validation: no resolutions in %q", s)
	}
	return out, nil
}

func parseOne(s string) (Resolution, error) {
	if w, h, ok := strings.Cut(s, "x"); ok {
		width, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil {
			return Resolution{}, fmt.Errorf("validation: bad resolution %q", s)
		}
		height, err := strconv.Atoi(strings.TrimSpace(h))
		if err != nil {
			return Resolution{}, fmt.Errorf("validation: bad resolution %q", s)
		}
		return Resolution{Width: width, Height: height}, nil
	}

	edge, err := strconv.Atoi(s)
	if err != nil {
		return Resolution{}, fmt.Errorf("validation: bad resolution %q", s)
	}
	return Resolution{Width: edge, Height: edge}, nil
}

// roundTo rounds to the nearest multiple, never below one multiple.
func roundTo(v, multiple int) int {
	r := (v + multiple/2) / multiple * multiple
	if r < multiple {
		r = multiple
	}
	return r
}
