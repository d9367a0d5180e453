// Package attachments renames feature attachments to the
// {prefix}_{key}_photo{n}.{ext} convention and keeps each record's PICTURE
// list in step with them.
package attachments

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trapper-data-collection/internal/arcgis"
	"trapper-data-collection/internal/models"
)

// Layer is the part of a feature layer the reconciler needs
type Layer interface {
	Query(ctx context.Context, q arcgis.Query) (*arcgis.FeatureSet, error)
	Attachments(ctx context.Context, objectID int64) ([]arcgis.AttachmentInfo, error)
	DownloadAttachment(ctx context.Context, objectID, attachmentID int64) ([]byte, error)
	UpdateAttachment(ctx context.Context, objectID, attachmentID int64, name, contentType string, data []byte) error
	UpdateFeatures(ctx context.Context, features []arcgis.Feature) ([]arcgis.EditResult, error)
}

// Recorder receives every edit the reconciler makes
type Recorder interface {
	RecordEdit(ctx context.Context, edit models.EditLog) error
}

// Collection describes one record collection and how its photos are named
type Collection struct {
	Name         string // used in log messages and the edit log
	Prefix       string
	PictureField string
	Key          func(arcgis.Feature) string
}

// The collections reconciled by the attachments step, in order
var (
	Traps = Collection{
		Name:         "traps",
		Prefix:       "trapsetup",
		PictureField: models.FieldPicture,
		Key:          func(f arcgis.Feature) string { return models.TrapFromFeature(f).PhotoKey() },
	}
	TrapChecks = Collection{
		Name:         "trap checks",
		Prefix:       "trapcheck",
		PictureField: models.FieldPicture,
		Key:          func(f arcgis.Feature) string { return models.TrapCheckFromFeature(f).PhotoKey() },
	}
	Fisher = Collection{
		Name:         "fisher",
		Prefix:       "fisher",
		PictureField: models.FieldPicture,
		Key:          func(f arcgis.Feature) string { return models.FisherObservationFromFeature(f).PhotoKey() },
	}
)

// Result summarises one reconciliation
type Result struct {
	Records        int // records with at least one attachment
	Renamed        int // attachments renamed
	RecordsUpdated int // records whose PICTURE was rewritten
}

// Reconciler renames attachments of one collection at a time
type Reconciler struct {
	logger   *zap.Logger
	recorder Recorder
	dryRun   bool
}

// NewReconciler creates a reconciler. recorder may be nil. In dry-run
// mode the plan is logged and recorded but nothing is downloaded,
// replaced or written.
func NewReconciler(logger *zap.Logger, recorder Recorder, dryRun bool) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger, recorder: recorder, dryRun: dryRun}
}

type stagedUpdate struct {
	objectID int64
	old, new string
}

// Reconcile brings the attachment names of every record in layer in line
// with the collection's naming convention and issues one batched update
// for the PICTURE lists that changed.
func (r *Reconciler) Reconcile(ctx context.Context, layer Layer, coll Collection) (Result, error) {
	var result Result
	r.logger.Info(fmt.Sprintf("Renaming photos on the %s layer", coll.Name))

	fs, err := layer.Query(ctx, arcgis.Query{Where: "1=1"})
	if err != nil {
		return result, fmt.Errorf("failed to query %s: %w", coll.Name, err)
	}
	if len(fs.Features) == 0 {
		return result, nil
	}

	var staged []stagedUpdate
	for _, f := range fs.Features {
		oid := f.ObjectID()
		infos, err := layer.Attachments(ctx, oid)
		if err != nil {
			return result, err
		}
		if len(infos) == 0 {
			continue
		}
		result.Records++
		r.logger.Debug("Attachments", zap.String("layer", coll.Name), zap.Int64("objectId", oid), zap.Any("attachments", infos))

		picture := f.GetStringOr(coll.PictureField, "")
		plan := PlanRecord(coll.Prefix, coll.Key(f), picture, infos)
		if !plan.Changed() {
			continue
		}

		for _, rn := range plan.Renames {
			if err := r.rename(ctx, layer, coll, oid, rn); err != nil {
				return result, err
			}
			result.Renamed++
		}
		staged = append(staged, stagedUpdate{objectID: oid, old: picture, new: JoinPictureList(plan.Pictures)})
	}

	if len(staged) == 0 {
		return result, nil
	}

	if r.dryRun {
		r.logger.Info(fmt.Sprintf("Dry run: would update photo names for %d %s", len(staged), coll.Name))
		for _, s := range staged {
			r.record(ctx, coll, s.objectID, models.ActionPlannedPictures, s.old, s.new)
		}
		result.RecordsUpdated = len(staged)
		return result, nil
	}

	updates := make([]arcgis.Feature, 0, len(staged))
	for _, s := range staged {
		updates = append(updates, arcgis.NewAttributeUpdate(s.objectID, map[string]any{coll.PictureField: s.new}))
	}

	r.logger.Info(fmt.Sprintf("Updating photo names for %d %s", len(staged), coll.Name))
	_, err = layer.UpdateFeatures(ctx, updates)

	failed := make(map[int64]bool)
	var failure *arcgis.EditFailure
	if errors.As(err, &failure) {
		for _, fr := range failure.Failed {
			failed[fr.ObjectID] = true
		}
	} else if err != nil {
		return result, fmt.Errorf("failed to update photo names for %s: %w", coll.Name, err)
	}

	for _, s := range staged {
		if failed[s.objectID] {
			continue
		}
		result.RecordsUpdated++
		r.record(ctx, coll, s.objectID, models.ActionPictureList, s.old, s.new)
	}
	if err != nil {
		return result, fmt.Errorf("failed to update photo names for %s: %w", coll.Name, err)
	}
	return result, nil
}

func (r *Reconciler) rename(ctx context.Context, layer Layer, coll Collection, oid int64, rn Rename) error {
	info := rn.Attachment
	if r.dryRun {
		r.logger.Info(fmt.Sprintf("Dry run: would rename %s to %s", info.Name, rn.NewName))
		r.record(ctx, coll, oid, models.ActionPlannedRename, info.Name, rn.NewName)
		return nil
	}

	r.logger.Info(fmt.Sprintf("Renaming %s to %s", info.Name, rn.NewName))
	data, err := layer.DownloadAttachment(ctx, oid, info.ID)
	if err != nil {
		return err
	}
	if err := layer.UpdateAttachment(ctx, oid, info.ID, rn.NewName, info.ContentType, data); err != nil {
		return err
	}
	r.record(ctx, coll, oid, models.ActionRenameAttach, info.Name, rn.NewName)
	return nil
}

// record writes to the edit log. The remote edit already happened, so a
// ledger failure is logged and not returned.
func (r *Reconciler) record(ctx context.Context, coll Collection, oid int64, action, oldValue, newValue string) {
	if r.recorder == nil {
		return
	}
	edit := models.EditLog{
		Layer:    coll.Name,
		ObjectID: oid,
		Action:   action,
		Field:    coll.PictureField,
		OldValue: oldValue,
		NewValue: newValue,
	}
	if action == models.ActionRenameAttach || action == models.ActionPlannedRename {
		edit.Field = ""
	}
	if err := r.recorder.RecordEdit(ctx, edit); err != nil {
		r.logger.Warn("Failed to record edit", zap.String("layer", coll.Name), zap.Int64("objectId", oid), zap.Error(err))
	}
}
