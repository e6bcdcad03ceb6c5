package catalog

import "fmt"

// Anchor selects which part of an oversized image survives a cover crop.
type Anchor string

const (
	AnchorTopLeft     Anchor = "top-left"
	AnchorTop         Anchor = "top"
	AnchorTopRight    Anchor = "top-right"
	AnchorLeft        Anchor = "left"
	AnchorCenter      Anchor = "center"
	AnchorRight       Anchor = "right"
	AnchorBottomLeft  Anchor = "bottom-left"
	AnchorBottom      Anchor = "bottom"
	AnchorBottomRight Anchor = "bottom-right"
)

var anchors = map[Anchor][2]int{
	AnchorTopLeft:     {0, 0},
	AnchorTop:         {1, 0},
	AnchorTopRight:    {2, 0},
	AnchorLeft:        {0, 1},
	AnchorCenter:      {1, 1},
	AnchorRight:       {2, 1},
	AnchorBottomLeft:  {0, 2},
	AnchorBottom:      {1, 2},
	AnchorBottomRight: {2, 2},
}

// ParseAnchor rejects anything outside the nine canonical anchors.
func ParseAnchor(s string) (Anchor, error) {
	a := Anchor(s)
	if _, ok := anchors[a]; !ok {
		return "", fmt.Errorf("unknown crop position %q", s)
	}
	return a, nil
}

// Weights returns the horizontal and vertical position of the anchor as
// 0 (start), 1 (middle) or 2 (end). Unknown anchors map to center.
func (a Anchor) Weights() (x, y int) {
	w, ok := anchors[a]
	if !ok {
		return 1, 1
	}
	return w[0], w[1]
}
