package models

// TextBox is a single piece of recognized text.
//
// BBox holds the four corners of the box in pixel coordinates, clockwise
// from the top-left corner: [[x, y], [x, y], [x, y], [x, y]].
type TextBox struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       [][]float64 `json:"bbox"`
}

// Pages maps 1-based page numbers to the text found on each page
type Pages map[int][]TextBox
