package jobs

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"trapper-data-collection/internal/arcgis"
	"trapper-data-collection/internal/cleanup"
	"trapper-data-collection/internal/config"
	"trapper-data-collection/internal/database"
	"trapper-data-collection/internal/history"
	"trapper-data-collection/internal/models"
)

type fakeLayer struct {
	fields      []arcgis.Field
	features    []arcgis.Feature
	attachments map[int64][]arcgis.AttachmentInfo
	updates     [][]arcgis.Feature
	replaced    []string
}

func (l *fakeLayer) Query(_ context.Context, q arcgis.Query) (*arcgis.FeatureSet, error) {
	out := &arcgis.FeatureSet{Fields: l.fields}
	for _, f := range l.features {
		if strings.Contains(q.Where, models.FieldIncludeCoordinates) &&
			f.GetStringOr(models.FieldIncludeCoordinates, "") != models.IncludeCoordinatesNo {
			continue
		}
		out.Features = append(out.Features, f)
	}
	return out, nil
}

func (l *fakeLayer) Attachments(_ context.Context, oid int64) ([]arcgis.AttachmentInfo, error) {
	return l.attachments[oid], nil
}

func (l *fakeLayer) DownloadAttachment(_ context.Context, _, aid int64) ([]byte, error) {
	return []byte{byte(aid)}, nil
}

func (l *fakeLayer) UpdateAttachment(_ context.Context, oid, aid int64, name, _ string, _ []byte) error {
	for i, info := range l.attachments[oid] {
		if info.ID == aid {
			l.attachments[oid][i].Name = name
		}
	}
	l.replaced = append(l.replaced, name)
	return nil
}

func (l *fakeLayer) UpdateFeatures(_ context.Context, features []arcgis.Feature) ([]arcgis.EditResult, error) {
	l.updates = append(l.updates, features)
	results := make([]arcgis.EditResult, len(features))
	for i, f := range features {
		results[i] = arcgis.EditResult{ObjectID: f.ObjectID(), Success: true}
	}
	return results, nil
}

type fakeStore struct {
	names    map[string]bool
	puts     []string
	uploaded map[string]string
}

func (s *fakeStore) Bucket() string { return "rcbgss" }

func (s *fakeStore) ListBaseNames(context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	for k := range s.names {
		out[k] = true
	}
	return out, nil
}

func (s *fakeStore) Put(_ context.Context, key string, _ []byte, _ string) error {
	s.puts = append(s.puts, key)
	return nil
}

func (s *fakeStore) UploadFile(_ context.Context, filePath, key string) error {
	if s.uploaded == nil {
		s.uploaded = map[string]string{}
	}
	s.uploaded[key] = filePath
	return nil
}

type memIndexer struct {
	photos []models.ArchivedPhoto
}

func (m *memIndexer) IndexPhotos(_ context.Context, photos []models.ArchivedPhoto) error {
	m.photos = append(m.photos, photos...)
	return nil
}

type fixture struct {
	runner  *Runner
	history *history.Service
	layers  *Layers
	traps   *fakeLayer
	checks  *fakeLayer
	meso    *fakeLayer
	fisher  *fakeLayer
	store   *fakeStore
	indexer *memIndexer
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Portal.URL = "https://portal.example"
	cfg.Portal.Username = "user"
	cfg.Portal.Password = "pass"
	cfg.Items = config.ItemsConfig{Traps: "t", MesoGrid: "m", Fisher: "f"}
	cfg.Storage.Host = "s3.example"
	cfg.Storage.AccessKey = "key"
	cfg.Storage.SecretKey = "secret"
	cfg.Report.OutputDir = t.TempDir()
	return cfg
}

func newFixture(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.NewGormDBFromDB(db).InitSchema())

	f := &fixture{
		history: history.NewService(db),
		traps: &fakeLayer{
			fields: []arcgis.Field{
				{Name: models.FieldObjectID, Type: "esriFieldTypeOID"},
				{Name: models.FieldSetUniqueID, Type: "esriFieldTypeString"},
				{Name: models.FieldPicture, Type: "esriFieldTypeString"},
			},
			features: []arcgis.Feature{{
				Attributes: map[string]any{
					models.FieldObjectID:           int64(1),
					models.FieldSetUniqueID:        "A1_1",
					models.FieldMesoGridID:         "G1",
					models.FieldIncludeCoordinates: models.IncludeCoordinatesNo,
					models.FieldTrapStatus:         "ACTIVE",
					models.FieldPicture:            nil,
				},
				Geometry: &arcgis.Point{X: 1, Y: 2},
			}},
			attachments: map[int64][]arcgis.AttachmentInfo{
				1: {{ID: 11, ParentID: 1, Name: "IMG_0001.jpg", ContentType: "image/jpeg"}},
			},
		},
		checks: &fakeLayer{features: []arcgis.Feature{
			{Attributes: map[string]any{models.FieldObjectID: int64(5), models.FieldSetUniqueID: "A1_1", models.FieldTrapCheckNumber: int64(1), models.FieldTrapStatus: "ACTIVE"}},
			{Attributes: map[string]any{models.FieldObjectID: int64(6), models.FieldSetUniqueID: "A1_1", models.FieldTrapCheckNumber: int64(2), models.FieldTrapStatus: "CLOSED"}},
		}},
		meso: &fakeLayer{features: []arcgis.Feature{
			{Attributes: map[string]any{models.FieldMesoCell: "G1", models.FieldCentroidX: 10.5, models.FieldCentroidY: 20.5}},
		}},
		fisher:  &fakeLayer{},
		store:   &fakeStore{names: map[string]bool{}},
		indexer: &memIndexer{},
	}
	f.layers = &Layers{Traps: f.traps, TrapChecks: f.checks, MesoGrid: f.meso, Fisher: f.fisher}

	f.runner = NewRunner(testConfig(t), nil, f.history, cleanup.NewService(db, nil), f.indexer)
	f.runner.connect = func(context.Context) (*Layers, error) { return f.layers, nil }
	f.runner.openStore = func(context.Context) (Store, error) { return f.store, nil }
	f.runner.now = func() time.Time { return time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC) }
	return f
}

func TestModifyRunsShiftStatusAndAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.runner.Run(ctx, JobModify, models.TriggerCLI, false)
	require.NoError(t, err)

	require.Len(t, f.traps.updates, 3, "shift, status and picture list")
	assert.Equal(t, &arcgis.Point{X: 10.5, Y: 20.5}, f.traps.updates[0][0].Geometry)
	assert.Equal(t, "CLOSED", f.traps.updates[1][0].Attributes[models.FieldTrapStatus])
	assert.Equal(t, "trapsetup_a1_1_photo1.jpg", f.traps.updates[2][0].Attributes[models.FieldPicture])
	assert.Equal(t, []string{"trapsetup_a1_1_photo1.jpg"}, f.traps.replaced)

	got, err := f.history.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.Equal(t, 3, got.FeaturesUpdated)
	assert.Equal(t, 1, got.AttachmentsRenamed)

	edits, err := f.history.GetRunEdits(ctx, run.ID, 100)
	require.NoError(t, err)
	actions := make([]string, len(edits))
	for i, e := range edits {
		actions[i] = e.Action
	}
	assert.Equal(t, []string{models.ActionGeometry, models.ActionStatus, models.ActionRenameAttach, models.ActionPictureList}, actions)
}

func TestAttachmentsDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)

	run, err := f.runner.Run(context.Background(), JobAttachments, models.TriggerCLI, true)
	require.NoError(t, err)

	assert.Empty(t, f.traps.updates)
	assert.Empty(t, f.traps.replaced)
	assert.True(t, run.DryRun)
	assert.Equal(t, 1, run.AttachmentsRenamed)
	assert.Zero(t, run.FeaturesUpdated)
}

func TestDryRunRejectedForOtherJobs(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), JobStatus, models.TriggerCLI, true)
	assert.ErrorIs(t, err, ErrDryRunUnsupported)
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), "reindex", models.TriggerAPI, false)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunRejectedWhileBusy(t *testing.T) {
	f := newFixture(t)
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()

	assert.True(t, f.runner.Busy())
	_, err := f.runner.Run(context.Background(), JobStatus, models.TriggerSchedule, false)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestFailedJobIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.runner.connect = func(context.Context) (*Layers, error) {
		return nil, errors.New("portal unreachable")
	}

	run, err := f.runner.Run(context.Background(), JobStatus, models.TriggerCLI, false)
	require.Error(t, err)
	require.NotNil(t, run)

	got, err := f.history.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, "portal unreachable", got.Error)
	assert.False(t, f.runner.Busy())
}

func TestMissingConfigurationStopsBeforeRun(t *testing.T) {
	f := newFixture(t)
	f.runner.cfg.Portal.Username = ""

	run, err := f.runner.Run(context.Background(), JobModify, models.TriggerCLI, false)
	assert.ErrorContains(t, err, "AGO_USER")
	assert.Nil(t, run)

	runs, err := f.history.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestReportUploadsWorkbookAndArchivesPhotos(t *testing.T) {
	f := newFixture(t)
	f.traps.features[0].Attributes[models.FieldPicture] = "trapsetup_a1_1_photo1.jpg"
	f.traps.attachments[1][0].Name = "trapsetup_a1_1_photo1.jpg"

	run, err := f.runner.Run(context.Background(), JobReport, models.TriggerSchedule, false)
	require.NoError(t, err)

	assert.Equal(t, "reports/trapper_report_2024-04-01.xlsx", run.ReportKey)
	path, ok := f.store.uploaded[run.ReportKey]
	require.True(t, ok)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	assert.Equal(t, []string{"trapsetup_a1_1_photo1.jpg"}, f.store.puts)
	assert.Equal(t, 1, run.PhotosArchived)
	require.Len(t, f.indexer.photos, 1)
	assert.Equal(t, run.ID, f.indexer.photos[0].RunID)

	photos, err := f.history.ListPhotos(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, run.ID, photos[0].RunID)
}

func TestCleanupJobNeedsNoPortal(t *testing.T) {
	f := newFixture(t)
	f.runner.connect = func(context.Context) (*Layers, error) {
		t.Fatal("cleanup must not connect to the portal")
		return nil, nil
	}

	run, err := f.runner.Run(context.Background(), JobCleanup, models.TriggerSchedule, false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	res, err := f.runner.Cleanup(context.Background(), cleanup.CleanupConfig{RetentionDays: 1, DryRun: true})
	require.NoError(t, err)
	assert.Zero(t, res.TargetCount, "the fresh cleanup run itself is not expired")
}
