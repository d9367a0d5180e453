package models

import (
	"strconv"
	"strings"

	"trapper-data-collection/internal/arcgis"
)

// Attribute names used by the trapper feature services
const (
	FieldObjectID           = "OBJECTID"
	FieldSetUniqueID        = "SET_UNIQUE_ID"
	FieldMesoGridID         = "MESO_GRID_ID"
	FieldIncludeCoordinates = "INCLUDE_COORDINATES"
	FieldTrapStatus         = "TRAP_STATUS"
	FieldTrapCheckNumber    = "TRAP_CHECK_NUMBER"
	FieldObservationType    = "OBSERVATION_TYPE"
	FieldPicture            = "PICTURE"
	FieldMesoCell           = "MesoCell"
	FieldCentroidX          = "CENTROID_X"
	FieldCentroidY          = "CENTROID_Y"
)

// IncludeCoordinatesNo marks a trap whose location must be generalised to
// its meso grid cell
const IncludeCoordinatesNo = "NO"

// Trap is one trap set from the traps layer
type Trap struct {
	ObjectID           int64
	SetUniqueID        string
	MesoGridID         string
	IncludeCoordinates string
	TrapStatus         string
	Picture            string
	X, Y               float64
	HasGeometry        bool
}

// TrapFromFeature maps a traps layer row onto a Trap
func TrapFromFeature(f arcgis.Feature) Trap {
	t := Trap{
		ObjectID:           f.ObjectID(),
		SetUniqueID:        f.GetStringOr(FieldSetUniqueID, ""),
		MesoGridID:         f.GetStringOr(FieldMesoGridID, ""),
		IncludeCoordinates: f.GetStringOr(FieldIncludeCoordinates, ""),
		TrapStatus:         f.GetStringOr(FieldTrapStatus, ""),
		Picture:            f.GetStringOr(FieldPicture, ""),
	}
	if f.Geometry != nil {
		t.X, t.Y, t.HasGeometry = f.Geometry.X, f.Geometry.Y, true
	}
	return t
}

// PhotoKey is the key used in the names of the trap's photos
func (t Trap) PhotoKey() string {
	return t.SetUniqueID
}

// TrapCheck is one visit to a trap, from the trap check table
type TrapCheck struct {
	ObjectID        int64
	SetUniqueID     string
	TrapCheckNumber int64
	TrapStatus      string
	Picture         string
}

// TrapCheckFromFeature maps a trap check row onto a TrapCheck
func TrapCheckFromFeature(f arcgis.Feature) TrapCheck {
	n, _ := f.GetInt(FieldTrapCheckNumber)
	return TrapCheck{
		ObjectID:        f.ObjectID(),
		SetUniqueID:     f.GetStringOr(FieldSetUniqueID, ""),
		TrapCheckNumber: n,
		TrapStatus:      f.GetStringOr(FieldTrapStatus, ""),
		Picture:         f.GetStringOr(FieldPicture, ""),
	}
}

// PhotoKey combines the site part of the set id with the check number,
// so "A1_2" checked for the fifth time gives "A1_5".
func (c TrapCheck) PhotoKey() string {
	site, _, _ := strings.Cut(c.SetUniqueID, "_")
	return site + "_" + strconv.FormatInt(c.TrapCheckNumber, 10)
}

// FisherObservation is one row of the fisher layer
type FisherObservation struct {
	ObjectID        int64
	ObservationType string
	Picture         string
}

// FisherObservationFromFeature maps a fisher layer row onto a FisherObservation
func FisherObservationFromFeature(f arcgis.Feature) FisherObservation {
	return FisherObservation{
		ObjectID:        f.ObjectID(),
		ObservationType: f.GetStringOr(FieldObservationType, ""),
		Picture:         f.GetStringOr(FieldPicture, ""),
	}
}

// PhotoKey is the observation type followed by the object id
func (o FisherObservation) PhotoKey() string {
	return o.ObservationType + "_" + strconv.FormatInt(o.ObjectID, 10)
}

// MesoCell is one cell of the meso grid
type MesoCell struct {
	ID        string
	CentroidX float64
	CentroidY float64
}

// MesoCellFromFeature maps a meso grid row onto a MesoCell. The bool is
// false when either centroid coordinate is missing.
func MesoCellFromFeature(f arcgis.Feature) (MesoCell, bool) {
	x, okX := f.GetFloat(FieldCentroidX)
	y, okY := f.GetFloat(FieldCentroidY)
	return MesoCell{
		ID:        f.GetStringOr(FieldMesoCell, ""),
		CentroidX: x,
		CentroidY: y,
	}, okX && okY
}
