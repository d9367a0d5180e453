package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 pages its keys two at a time
type fakeS3 struct {
	keys    []string
	puts    map[string][]byte
	ctypes  map[string]string
	listing int
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listing++
	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := start + 2
	if end > len(f.keys) {
		end = len(f.keys)
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range f.keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(f.keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
		f.ctypes = map[string]string{}
	}
	f.puts[*in.Key] = data
	f.ctypes[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestListKeysFollowsContinuation(t *testing.T) {
	api := &fakeS3{keys: []string{"a.jpg", "reports/r.xlsx", "b.jpg", "c/d.jpg", "e.jpg"}}
	store := NewWithAPI(api, "rcbgss", nil)

	keys, err := store.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.keys, keys)
	assert.Equal(t, 3, api.listing)

	names, err := store.ListBaseNames(context.Background())
	require.NoError(t, err)
	assert.True(t, names["d.jpg"])
	assert.True(t, names["r.xlsx"])
	assert.False(t, names["c/d.jpg"])
}

func TestPutAndUploadFile(t *testing.T) {
	api := &fakeS3{}
	store := NewWithAPI(api, "rcbgss", nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "trapsetup_a1_photo1.jpg", []byte("JPEG"), ""))
	assert.Equal(t, "JPEG", string(api.puts["trapsetup_a1_photo1.jpg"]))
	assert.Equal(t, "image/jpeg", api.ctypes["trapsetup_a1_photo1.jpg"])

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0o644))
	require.NoError(t, store.UploadFile(ctx, path, "reports/report.xlsx"))
	assert.Equal(t, "PK", string(api.puts["reports/report.xlsx"]))

	assert.Error(t, store.UploadFile(ctx, filepath.Join(t.TempDir(), "missing.xlsx"), "reports/missing.xlsx"))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://s3.example.org", endpointURL("s3.example.org"))
	assert.Equal(t, "http://localhost:9000", endpointURL("http://localhost:9000"))
	assert.Equal(t, "https://s3.example.org", endpointURL("https://s3.example.org"))
}
