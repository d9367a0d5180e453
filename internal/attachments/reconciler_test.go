package attachments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trapper-data-collection/internal/arcgis"
	"trapper-data-collection/internal/models"
)

// fakeLayer is an in-memory layer that applies renames and updates so
// repeated runs see the effect of earlier ones
type fakeLayer struct {
	features    []arcgis.Feature
	attachments map[int64][]arcgis.AttachmentInfo
	content     map[int64][]byte

	downloads     int
	replaced      []string
	updateBatches [][]arcgis.Feature
	rejectUpdate  map[int64]bool
}

func newFakeLayer() *fakeLayer {
	return &fakeLayer{
		attachments:  map[int64][]arcgis.AttachmentInfo{},
		content:      map[int64][]byte{},
		rejectUpdate: map[int64]bool{},
	}
}

func (l *fakeLayer) add(attrs map[string]any, names ...string) {
	oid := attrs[models.FieldObjectID].(int64)
	l.features = append(l.features, arcgis.Feature{Attributes: attrs})
	for i, name := range names {
		id := oid*100 + int64(i)
		l.attachments[oid] = append(l.attachments[oid], arcgis.AttachmentInfo{ID: id, Name: name, ContentType: "image/jpeg"})
		l.content[id] = []byte(name)
	}
}

func (l *fakeLayer) Query(_ context.Context, _ arcgis.Query) (*arcgis.FeatureSet, error) {
	return &arcgis.FeatureSet{Features: l.features}, nil
}

func (l *fakeLayer) Attachments(_ context.Context, oid int64) ([]arcgis.AttachmentInfo, error) {
	return append([]arcgis.AttachmentInfo(nil), l.attachments[oid]...), nil
}

func (l *fakeLayer) DownloadAttachment(_ context.Context, _, aid int64) ([]byte, error) {
	l.downloads++
	return l.content[aid], nil
}

func (l *fakeLayer) UpdateAttachment(_ context.Context, oid, aid int64, name, _ string, data []byte) error {
	for i, info := range l.attachments[oid] {
		if info.ID == aid {
			l.attachments[oid][i].Name = name
		}
	}
	l.content[aid] = data
	l.replaced = append(l.replaced, name)
	return nil
}

func (l *fakeLayer) UpdateFeatures(_ context.Context, features []arcgis.Feature) ([]arcgis.EditResult, error) {
	l.updateBatches = append(l.updateBatches, features)
	var results, failed []arcgis.EditResult
	for _, u := range features {
		oid := u.ObjectID()
		if l.rejectUpdate[oid] {
			r := arcgis.EditResult{ObjectID: oid, Error: &arcgis.EditError{Code: 1000, Description: "rejected"}}
			results = append(results, r)
			failed = append(failed, r)
			continue
		}
		for _, f := range l.features {
			if f.ObjectID() == oid {
				for k, v := range u.Attributes {
					f.Attributes[k] = v
				}
			}
		}
		results = append(results, arcgis.EditResult{ObjectID: oid, Success: true})
	}
	if len(failed) > 0 {
		return results, &arcgis.EditFailure{Operation: "updateFeatures", Failed: failed}
	}
	return results, nil
}

func (l *fakeLayer) picture(oid int64) any {
	for _, f := range l.features {
		if f.ObjectID() == oid {
			return f.Attributes[models.FieldPicture]
		}
	}
	return nil
}

type memRecorder struct {
	edits []models.EditLog
}

func (m *memRecorder) RecordEdit(_ context.Context, edit models.EditLog) error {
	m.edits = append(m.edits, edit)
	return nil
}

func info(names ...string) []arcgis.AttachmentInfo {
	out := make([]arcgis.AttachmentInfo, len(names))
	for i, n := range names {
		out[i] = arcgis.AttachmentInfo{ID: int64(i + 1), Name: n}
	}
	return out
}

func TestParsePictureList(t *testing.T) {
	assert.Empty(t, ParsePictureList(""))
	assert.Empty(t, ParsePictureList("  "))
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, ParsePictureList("a.jpg, b.jpg,,"))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "jpg", Extension("IMG_0001.jpg"))
	assert.Equal(t, "gz", Extension("photo.tar.gz"))
	assert.Equal(t, "noext", Extension("noext"))
}

func TestPlanFreshRecordNumbersFromOne(t *testing.T) {
	plan := PlanRecord("trapsetup", "A1_2", "", info("IMG_0001.jpg", "IMG_0002.PNG", "scan.heic"))

	require.True(t, plan.Changed())
	assert.Equal(t, []string{
		"trapsetup_a1_2_photo1.jpg",
		"trapsetup_a1_2_photo2.PNG",
		"trapsetup_a1_2_photo3.heic",
	}, plan.Pictures)
	assert.Empty(t, plan.Kept)
}

func TestPlanKeepsRecognizedNames(t *testing.T) {
	plan := PlanRecord("trapsetup", "A1", "trapsetup_a1_photo1.jpg",
		info("trapsetup_a1_photo1.jpg"))
	assert.False(t, plan.Changed())
	assert.Equal(t, []string{"trapsetup_a1_photo1.jpg"}, plan.Pictures)
}

func TestPlanSkipsNumbersHeldByKeptNames(t *testing.T) {
	plan := PlanRecord("trapsetup", "A1", "trapsetup_a1_photo1.jpg",
		info("trapsetup_a1_photo1.jpg", "IMG_0009.jpg"))

	require.Len(t, plan.Renames, 1)
	assert.Equal(t, "trapsetup_a1_photo2.jpg", plan.Renames[0].NewName)
	assert.Equal(t, []string{"trapsetup_a1_photo1.jpg", "trapsetup_a1_photo2.jpg"}, plan.Pictures)
}

func TestPlanRenamesPrefixedNameMissingFromPicture(t *testing.T) {
	plan := PlanRecord("trapsetup", "A1", "", info("trapsetup_old.jpg"))
	require.Len(t, plan.Renames, 1)
	assert.Equal(t, "trapsetup_a1_photo1.jpg", plan.Renames[0].NewName)
}

func TestPlanRenamesListedNameWithoutPrefix(t *testing.T) {
	plan := PlanRecord("trapsetup", "A1", "IMG_0001.jpg", info("IMG_0001.jpg"))
	require.Len(t, plan.Renames, 1)
	assert.Equal(t, "trapsetup_a1_photo1.jpg", plan.Renames[0].NewName)
}

func TestReconcileFreshRecord(t *testing.T) {
	layer := newFakeLayer()
	layer.add(map[string]any{
		models.FieldObjectID:    int64(1),
		models.FieldSetUniqueID: "A1_2",
		models.FieldPicture:     nil,
	}, "IMG_0001.jpg", "IMG_0002.jpg")
	rec := &memRecorder{}

	res, err := NewReconciler(nil, rec, false).Reconcile(context.Background(), layer, Traps)
	require.NoError(t, err)

	assert.Equal(t, Result{Records: 1, Renamed: 2, RecordsUpdated: 1}, res)
	assert.Equal(t, "trapsetup_a1_2_photo1.jpg,trapsetup_a1_2_photo2.jpg", layer.picture(1))
	assert.Equal(t, 2, layer.downloads)
	require.Len(t, layer.updateBatches, 1)

	require.Len(t, rec.edits, 3)
	assert.Equal(t, models.ActionRenameAttach, rec.edits[0].Action)
	assert.Equal(t, "IMG_0001.jpg", rec.edits[0].OldValue)
	assert.Equal(t, models.ActionPictureList, rec.edits[2].Action)
	assert.Equal(t, "traps", rec.edits[2].Layer)
}

func TestReconcileIsIdempotent(t *testing.T) {
	layer := newFakeLayer()
	layer.add(map[string]any{
		models.FieldObjectID:    int64(1),
		models.FieldSetUniqueID: "A1",
		models.FieldPicture:     "",
	}, "IMG_0001.jpg")
	layer.add(map[string]any{
		models.FieldObjectID:    int64(2),
		models.FieldSetUniqueID: "B4",
	}, "IMG_0100.jpg", "IMG_0101.jpg")

	r := NewReconciler(nil, nil, false)
	_, err := r.Reconcile(context.Background(), layer, Traps)
	require.NoError(t, err)
	require.Len(t, layer.updateBatches, 1)
	assert.Len(t, layer.updateBatches[0], 2)

	res, err := r.Reconcile(context.Background(), layer, Traps)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Renamed)
	assert.Equal(t, 0, res.RecordsUpdated)
	assert.Len(t, layer.updateBatches, 1, "second run must not write")
}

func TestReconcileSkipsRecordsWithoutAttachments(t *testing.T) {
	layer := newFakeLayer()
	layer.add(map[string]any{
		models.FieldObjectID:    int64(1),
		models.FieldSetUniqueID: "A1",
		models.FieldPicture:     "something.jpg",
	})

	res, err := NewReconciler(nil, nil, false).Reconcile(context.Background(), layer, Traps)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, layer.updateBatches)
}

func TestReconcileTrapChecksAndFisherKeys(t *testing.T) {
	checks := newFakeLayer()
	checks.add(map[string]any{
		models.FieldObjectID:        int64(3),
		models.FieldSetUniqueID:     "A1_2",
		models.FieldTrapCheckNumber: int64(5),
	}, "IMG_1.jpg")
	_, err := NewReconciler(nil, nil, false).Reconcile(context.Background(), checks, TrapChecks)
	require.NoError(t, err)
	assert.Equal(t, "trapcheck_a1_5_photo1.jpg", checks.picture(3))

	fisher := newFakeLayer()
	fisher.add(map[string]any{
		models.FieldObjectID:        int64(42),
		models.FieldObservationType: "SIGHTING",
	}, "IMG_1.jpg")
	_, err = NewReconciler(nil, nil, false).Reconcile(context.Background(), fisher, Fisher)
	require.NoError(t, err)
	assert.Equal(t, "fisher_sighting_42_photo1.jpg", fisher.picture(42))
}

func TestReconcileDryRunWritesNothing(t *testing.T) {
	layer := newFakeLayer()
	layer.add(map[string]any{
		models.FieldObjectID:    int64(1),
		models.FieldSetUniqueID: "A1",
	}, "IMG_0001.jpg")
	rec := &memRecorder{}

	res, err := NewReconciler(nil, rec, true).Reconcile(context.Background(), layer, Traps)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Renamed)
	assert.Zero(t, layer.downloads)
	assert.Empty(t, layer.replaced)
	assert.Empty(t, layer.updateBatches)
	require.Len(t, rec.edits, 2)
	assert.Equal(t, models.ActionPlannedRename, rec.edits[0].Action)
	assert.Equal(t, models.ActionPlannedPictures, rec.edits[1].Action)
}

func TestReconcileReportsRejectedUpdates(t *testing.T) {
	layer := newFakeLayer()
	layer.add(map[string]any{models.FieldObjectID: int64(1), models.FieldSetUniqueID: "A1"}, "a.jpg")
	layer.add(map[string]any{models.FieldObjectID: int64(2), models.FieldSetUniqueID: "A2"}, "b.jpg")
	layer.rejectUpdate[2] = true
	rec := &memRecorder{}

	res, err := NewReconciler(nil, rec, false).Reconcile(context.Background(), layer, Traps)

	var failure *arcgis.EditFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, res.RecordsUpdated)

	var pictureEdits int
	for _, e := range rec.edits {
		if e.Action == models.ActionPictureList {
			pictureEdits++
			assert.Equal(t, int64(1), e.ObjectID)
		}
	}
	assert.Equal(t, 1, pictureEdits)
}
