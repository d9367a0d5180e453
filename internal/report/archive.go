package report

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trapper-data-collection/internal/arcgis"
	"trapper-data-collection/internal/attachments"
	"trapper-data-collection/internal/models"
)

// AttachmentSource is a layer whose attachments can be listed and fetched
type AttachmentSource interface {
	Source
	Attachments(ctx context.Context, objectID int64) ([]arcgis.AttachmentInfo, error)
	DownloadAttachment(ctx context.Context, objectID, attachmentID int64) ([]byte, error)
}

// ObjectStore is the archive bucket
type ObjectStore interface {
	Bucket() string
	ListBaseNames(ctx context.Context) (map[string]bool, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// PhotoRecorder receives every archived photo
type PhotoRecorder interface {
	RecordPhoto(ctx context.Context, photo models.ArchivedPhoto) error
}

// PhotoIndexer makes archived photos searchable
type PhotoIndexer interface {
	IndexPhotos(ctx context.Context, photos []models.ArchivedPhoto) error
}

// Collection is one layer whose photos are archived
type Collection struct {
	Name         string
	PictureField string
	Source       AttachmentSource
}

// Archiver copies photos listed in PICTURE fields into the bucket
type Archiver struct {
	store    ObjectStore
	logger   *zap.Logger
	recorder PhotoRecorder
	indexer  PhotoIndexer
}

// NewArchiver creates an archiver. recorder and indexer may be nil.
func NewArchiver(store ObjectStore, logger *zap.Logger, recorder PhotoRecorder, indexer PhotoIndexer) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, logger: logger, recorder: recorder, indexer: indexer}
}

// Archive uploads, for every record of every collection, the attachments
// named in its picture list that the bucket does not hold yet. The bucket
// is listed once and membership is by base file name. Returns the photos
// uploaded.
func (a *Archiver) Archive(ctx context.Context, collections []Collection) ([]models.ArchivedPhoto, error) {
	existing, err := a.store.ListBaseNames(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Bucket listing", zap.String("bucket", a.store.Bucket()), zap.Int("objects", len(existing)))

	var archived []models.ArchivedPhoto
	for _, coll := range collections {
		photos, err := a.archiveCollection(ctx, coll, existing)
		archived = append(archived, photos...)
		if err != nil {
			a.index(ctx, archived)
			return archived, err
		}
	}

	a.index(ctx, archived)
	return archived, nil
}

func (a *Archiver) archiveCollection(ctx context.Context, coll Collection, existing map[string]bool) ([]models.ArchivedPhoto, error) {
	a.logger.Info(fmt.Sprintf("Downloading photos on the %s layer", coll.Name))

	fs, err := coll.Source.Query(ctx, arcgis.Query{Where: "1=1"})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll.Name, err)
	}

	var archived []models.ArchivedPhoto
	for _, f := range fs.Features {
		wanted := make(map[string]bool)
		for _, name := range attachments.ParsePictureList(f.GetStringOr(coll.PictureField, "")) {
			if !existing[name] {
				wanted[name] = true
			}
		}
		if len(wanted) == 0 {
			continue
		}

		oid := f.ObjectID()
		infos, err := coll.Source.Attachments(ctx, oid)
		if err != nil {
			return archived, err
		}
		for _, info := range infos {
			if !wanted[info.Name] || existing[info.Name] {
				continue
			}
			a.logger.Info(fmt.Sprintf("Copying %s to object storage", info.Name))
			data, err := coll.Source.DownloadAttachment(ctx, oid, info.ID)
			if err != nil {
				return archived, err
			}
			if err := a.store.Put(ctx, info.Name, data, info.ContentType); err != nil {
				return archived, err
			}
			existing[info.Name] = true

			photo := models.ArchivedPhoto{
				Layer:    coll.Name,
				ObjectID: oid,
				FileName: info.Name,
				Bucket:   a.store.Bucket(),
				Key:      info.Name,
				Size:     int64(len(data)),

				ArchivedAt: time.Now().UTC(),
			}
			if a.recorder != nil {
				if err := a.recorder.RecordPhoto(ctx, photo); err != nil {
					a.logger.Warn("Failed to record archived photo", zap.String("file", info.Name), zap.Error(err))
				}
			}
			archived = append(archived, photo)
		}
	}
	return archived, nil
}

// index is best effort; the bucket stays the source of truth
func (a *Archiver) index(ctx context.Context, photos []models.ArchivedPhoto) {
	if a.indexer == nil || len(photos) == 0 {
		return
	}
	if err := a.indexer.IndexPhotos(ctx, photos); err != nil {
		a.logger.Warn("Failed to index archived photos", zap.Int("photos", len(photos)), zap.Error(err))
	}
}
