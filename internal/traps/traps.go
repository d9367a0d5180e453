// Package traps keeps the traps layer consistent with the meso grid and
// with the trap check table.
package traps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"trapper-data-collection/internal/arcgis"
	"trapper-data-collection/internal/models"
)

// Layer is the part of a feature layer the maintenance steps need
type Layer interface {
	Query(ctx context.Context, q arcgis.Query) (*arcgis.FeatureSet, error)
	UpdateFeatures(ctx context.Context, features []arcgis.Feature) ([]arcgis.EditResult, error)
}

// Recorder receives every edit that was applied
type Recorder interface {
	RecordEdit(ctx context.Context, edit models.EditLog) error
}

const layerName = "traps"

// Maintainer runs the geometry and status steps against the traps layer
type Maintainer struct {
	traps    Layer
	checks   Layer
	mesoGrid Layer
	logger   *zap.Logger
	recorder Recorder
}

// NewMaintainer creates a Maintainer. recorder may be nil.
func NewMaintainer(traps, checks, mesoGrid Layer, logger *zap.Logger, recorder Recorder) *Maintainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintainer{
		traps:    traps,
		checks:   checks,
		mesoGrid: mesoGrid,
		logger:   logger,
		recorder: recorder,
	}
}

type stagedEdit struct {
	feature arcgis.Feature
	log     models.EditLog
}

// ShiftTraps moves every trap that asked not to include its coordinates to
// the centroid of its meso grid cell. Traps whose cell is not in the grid
// are logged and left where they are. Returns the number of traps moved.
func (m *Maintainer) ShiftTraps(ctx context.Context) (int, error) {
	m.logger.Info("Shifting any traps that indicated the coordinates should not be included")

	fs, err := m.traps.Query(ctx, arcgis.Query{
		Where:          fmt.Sprintf("%s='%s'", models.FieldIncludeCoordinates, models.IncludeCoordinatesNo),
		ReturnGeometry: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query traps: %w", err)
	}
	if len(fs.Features) == 0 {
		return 0, nil
	}
	m.logger.Info(fmt.Sprintf("Found %d trap(s) that did not include coordinates", len(fs.Features)))

	traps := make([]models.Trap, 0, len(fs.Features))
	var gridIDs []string
	seen := make(map[string]bool)
	for _, f := range fs.Features {
		t := models.TrapFromFeature(f)
		traps = append(traps, t)
		if t.MesoGridID != "" && !seen[t.MesoGridID] {
			seen[t.MesoGridID] = true
			gridIDs = append(gridIDs, t.MesoGridID)
		}
	}

	cells := make(map[string]models.MesoCell)
	if len(gridIDs) > 0 {
		grid, err := m.mesoGrid.Query(ctx, arcgis.Query{Where: InClause(models.FieldMesoCell, gridIDs)})
		if err != nil {
			return 0, fmt.Errorf("failed to query meso grid: %w", err)
		}
		for _, f := range grid.Features {
			cell, ok := m.mesoCell(f)
			if ok {
				if _, dup := cells[cell.ID]; !dup {
					cells[cell.ID] = cell
				}
			}
		}
	}

	m.logger.Info("Updating geometry for traps")
	var staged []stagedEdit
	for _, t := range traps {
		cell, ok := cells[t.MesoGridID]
		if !ok {
			m.logger.Warn("No meso grid cell for trap, geometry left unchanged",
				zap.String("trap", t.SetUniqueID),
				zap.String("gridId", t.MesoGridID))
			continue
		}
		old := ""
		if t.HasGeometry {
			old = formatPoint(t.X, t.Y)
		}
		staged = append(staged, stagedEdit{
			feature: arcgis.NewGeometryUpdate(t.ObjectID, cell.CentroidX, cell.CentroidY),
			log: models.EditLog{
				Layer:    layerName,
				ObjectID: t.ObjectID,
				Action:   models.ActionGeometry,
				OldValue: old,
				NewValue: formatPoint(cell.CentroidX, cell.CentroidY),
			},
		})
	}

	return m.apply(ctx, staged)
}

// UpdateTrapStatus copies the status of each trap's latest check onto the
// trap. The latest check is the one with the highest check number; the
// first such row wins a tie. Traps without checks are skipped. Returns the
// number of traps updated.
func (m *Maintainer) UpdateTrapStatus(ctx context.Context) (int, error) {
	m.logger.Info("Updating traps layer with most recent trap check status")

	fs, err := m.traps.Query(ctx, arcgis.Query{Where: "1=1"})
	if err != nil {
		return 0, fmt.Errorf("failed to query traps: %w", err)
	}
	if len(fs.Features) == 0 {
		return 0, nil
	}

	checkSet, err := m.checks.Query(ctx, arcgis.Query{Where: "1=1"})
	if err != nil {
		return 0, fmt.Errorf("failed to query trap checks: %w", err)
	}
	latest := LatestChecks(checkSet.Features)

	var staged []stagedEdit
	for _, f := range fs.Features {
		t := models.TrapFromFeature(f)
		check, ok := latest[t.SetUniqueID]
		if !ok {
			continue
		}
		if t.TrapStatus == check.TrapStatus {
			continue
		}
		m.logger.Debug("Trap status differs from latest check",
			zap.String("trap", t.SetUniqueID),
			zap.String("status", t.TrapStatus),
			zap.String("checkStatus", check.TrapStatus),
			zap.Int64("checkNumber", check.TrapCheckNumber))
		staged = append(staged, stagedEdit{
			feature: arcgis.NewAttributeUpdate(t.ObjectID, map[string]any{models.FieldTrapStatus: check.TrapStatus}),
			log: models.EditLog{
				Layer:    layerName,
				ObjectID: t.ObjectID,
				Action:   models.ActionStatus,
				Field:    models.FieldTrapStatus,
				OldValue: t.TrapStatus,
				NewValue: check.TrapStatus,
			},
		})
	}

	return m.apply(ctx, staged)
}

// LatestChecks groups checks by SET_UNIQUE_ID and keeps the one with the
// highest check number per trap, the earliest row winning a tie
func LatestChecks(features []arcgis.Feature) map[string]models.TrapCheck {
	latest := make(map[string]models.TrapCheck)
	for _, f := range features {
		c := models.TrapCheckFromFeature(f)
		if cur, ok := latest[c.SetUniqueID]; ok && c.TrapCheckNumber <= cur.TrapCheckNumber {
			continue
		}
		latest[c.SetUniqueID] = c
	}
	return latest
}

// apply sends the staged edits in one batch, records the accepted ones and
// returns how many were accepted
func (m *Maintainer) apply(ctx context.Context, staged []stagedEdit) (int, error) {
	if len(staged) == 0 {
		return 0, nil
	}

	features := make([]arcgis.Feature, len(staged))
	for i, s := range staged {
		features[i] = s.feature
	}

	m.logger.Info(fmt.Sprintf("Updating %d trap(s)", len(staged)))
	_, err := m.traps.UpdateFeatures(ctx, features)

	rejected := make(map[int64]bool)
	var failure *arcgis.EditFailure
	if errors.As(err, &failure) {
		for _, r := range failure.Failed {
			rejected[r.ObjectID] = true
		}
	} else if err != nil {
		return 0, fmt.Errorf("failed to update traps: %w", err)
	}

	applied := 0
	for _, s := range staged {
		if rejected[s.log.ObjectID] {
			continue
		}
		applied++
		if m.recorder != nil {
			if rerr := m.recorder.RecordEdit(ctx, s.log); rerr != nil {
				m.logger.Warn("Failed to record edit", zap.Int64("objectId", s.log.ObjectID), zap.Error(rerr))
			}
		}
	}
	if err != nil {
		return applied, fmt.Errorf("failed to update traps: %w", err)
	}
	return applied, nil
}

// InClause builds field IN ('a','b') with quotes in values doubled. The
// values are sorted so the clause is stable.
func InClause(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	sort.Strings(quoted)
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted, ","))
}

// mesoCell converts a grid row, logging rows without a centroid
func (m *Maintainer) mesoCell(f arcgis.Feature) (models.MesoCell, bool) {
	cell, ok := models.MesoCellFromFeature(f)
	if !ok {
		m.logger.Warn("Meso grid cell has no centroid", zap.String("gridId", cell.ID))
	}
	return cell, ok
}

func formatPoint(x, y float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64) + "," + strconv.FormatFloat(y, 'f', -1, 64)
}
