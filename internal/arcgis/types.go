package arcgis

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultObjectIDField is used when a response does not name its object id field
const DefaultObjectIDField = "OBJECTID"

// SpatialReference identifies a coordinate system
type SpatialReference struct {
	WKID       int `json:"wkid,omitempty"`
	LatestWKID int `json:"latestWkid,omitempty"`
}

// Point is a point geometry
type Point struct {
	X                float64           `json:"x"`
	Y                float64           `json:"y"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

// Field describes one attribute column of a layer
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// IsDate reports whether the field holds epoch-millisecond dates
func (f Field) IsDate() bool {
	return f.Type == "esriFieldTypeDate" || f.Type == "esriFieldTypeDateOnly"
}

// Feature is one row of a layer or table
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Point         `json:"geometry,omitempty"`
}

// FeatureSet is the result of a layer query
type FeatureSet struct {
	ObjectIDFieldName     string            `json:"objectIdFieldName"`
	GeometryType          string            `json:"geometryType"`
	SpatialReference      *SpatialReference `json:"spatialReference"`
	Fields                []Field           `json:"fields"`
	Features              []Feature         `json:"features"`
	ExceededTransferLimit bool              `json:"exceededTransferLimit"`
}

// ObjectIDField returns the object id field name of the set
func (fs *FeatureSet) ObjectIDField() string {
	if fs.ObjectIDFieldName != "" {
		return fs.ObjectIDFieldName
	}
	return DefaultObjectIDField
}

// AttachmentInfo describes one attachment of a feature
type AttachmentInfo struct {
	ID          int64  `json:"id"`
	GlobalID    string `json:"globalId"`
	ParentID    int64  `json:"parentObjectId"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// EditResult is the per-feature outcome of an edit operation
type EditResult struct {
	ObjectID int64      `json:"objectId"`
	GlobalID string     `json:"globalId"`
	Success  bool       `json:"success"`
	Error    *EditError `json:"error,omitempty"`
}

// ObjectID returns the OBJECTID attribute, or 0 when absent
func (f Feature) ObjectID() int64 {
	v, _ := f.GetInt(DefaultObjectIDField)
	return v
}

// Has reports whether the attribute is present and not null
func (f Feature) Has(name string) bool {
	v, ok := f.Attributes[name]
	return ok && v != nil
}

// GetString returns the attribute rendered as a string. Numbers are rendered
// without exponent or trailing zeros. The bool is false for absent or
// null attributes.
func (f Feature) GetString(name string) (string, bool) {
	v, ok := f.Attributes[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// GetStringOr returns the attribute as a string, or def when absent or null
func (f Feature) GetStringOr(name, def string) string {
	if s, ok := f.GetString(name); ok {
		return s
	}
	return def
}

// GetInt returns the attribute as an integer
func (f Feature) GetInt(name string) (int64, bool) {
	v, ok := f.Attributes[name]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if fl, err := t.Float64(); err == nil {
			return int64(fl), true
		}
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if fl, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(fl), true
		}
	}
	return 0, false
}

// GetFloat returns the attribute as a float
func (f Feature) GetFloat(name string) (float64, bool) {
	v, ok := f.Attributes[name]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		if fl, err := t.Float64(); err == nil {
			return fl, true
		}
	case string:
		if fl, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return fl, true
		}
	}
	return 0, false
}

// NewAttributeUpdate builds a feature carrying only the object id and the
// given attributes, which is all updateFeatures needs.
func NewAttributeUpdate(objectID int64, attrs map[string]any) Feature {
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[DefaultObjectIDField] = objectID
	return Feature{Attributes: out}
}

// NewGeometryUpdate builds a feature that moves objectID to (x, y)
func NewGeometryUpdate(objectID int64, x, y float64) Feature {
	return Feature{
		Attributes: map[string]any{DefaultObjectIDField: objectID},
		Geometry:   &Point{X: x, Y: y},
	}
}
