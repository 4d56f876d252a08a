package domain

import (
	"encoding/json"
	"fmt"
)

// Crop JSON is ingested from the external segmentation service. Unknown
// top-level fields are preserved through Extra so re-installation round-trips.

// CropJSON describes table bounding boxes within one camera frame.
type CropJSON struct {
	FrameWidth  int         `json:"frame_width"`
	FrameHeight int         `json:"frame_height"`
	Tables      []CropTable `json:"tables"`

	Extra map[string]json.RawMessage `json:"-"`
}

// CropTable is one table's rotated bounding box in the frame.
type CropTable struct {
	ID          string       `json:"id"`
	RotatedBBox RotatedBBox  `json:"rotated_bbox"`
	CropFile    string       `json:"crop_file,omitempty"`
	CropSize    *CropSize    `json:"crop_size,omitempty"`
}

// RotatedBBox is the segmentation model's oriented box. Corners are the
// authoritative geometry; center/size/angle are carried for round-trips.
type RotatedBBox struct {
	Center  [2]float64    `json:"center"`
	Size    [2]float64    `json:"size"`
	Angle   float64       `json:"angle"`
	Corners [4][2]float64 `json:"corners"`
}

type CropSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// UnmarshalJSON tolerates numeric or string table ids in the wire format.
func (c *CropTable) UnmarshalJSON(data []byte) error {
	type alias CropTable
	aux := struct {
		ID json.RawMessage `json:"id"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var s string
	if err := json.Unmarshal(aux.ID, &s); err == nil {
		c.ID = s
		return nil
	}
	var n int64
	if err := json.Unmarshal(aux.ID, &n); err == nil {
		c.ID = fmt.Sprintf("%d", n)
		return nil
	}
	return fmt.Errorf("crop table id is neither string nor integer: %s", aux.ID)
}

// ParseCropJSON decodes and validates crop metadata, keeping unknown
// top-level fields.
func ParseCropJSON(data []byte) (*CropJSON, error) {
	const component = "cropjson"

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Wrap(KindInput, component, "malformed crop json", err)
	}

	var cj CropJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, Wrap(KindInput, component, "malformed crop json", err)
	}
	if cj.FrameWidth <= 0 || cj.FrameHeight <= 0 {
		return nil, Ef(KindInput, component, "invalid frame dimensions %dx%d", cj.FrameWidth, cj.FrameHeight)
	}
	seen := make(map[string]bool, len(cj.Tables))
	for _, t := range cj.Tables {
		if t.ID == "" {
			return nil, E(KindInput, component, "crop table missing id")
		}
		if seen[t.ID] {
			return nil, Ef(KindInput, component, "duplicate crop table id %q", t.ID)
		}
		seen[t.ID] = true
	}

	delete(raw, "frame_width")
	delete(raw, "frame_height")
	delete(raw, "tables")
	if len(raw) > 0 {
		cj.Extra = raw
	}
	return &cj, nil
}

// Encode serializes the crop JSON, restoring preserved unknown fields.
func (cj *CropJSON) Encode() ([]byte, error) {
	out := make(map[string]any, len(cj.Extra)+3)
	for k, v := range cj.Extra {
		out[k] = v
	}
	out["frame_width"] = cj.FrameWidth
	out["frame_height"] = cj.FrameHeight
	out["tables"] = cj.Tables
	return json.Marshal(out)
}
