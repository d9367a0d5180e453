package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// LayerKind selects between the layers and the tables of a feature service
type LayerKind string

const (
	KindLayer LayerKind = "layers"
	KindTable LayerKind = "tables"
)

// Layer is a handle on one layer or table of a feature service
type Layer struct {
	client *Client
	URL    string
	Name   string
}

// Layer returns a handle on the layer or table at url
func (c *Client) Layer(layerURL string) *Layer {
	return &Layer{client: c, URL: strings.TrimRight(layerURL, "/")}
}

type serviceInfo struct {
	Layers []layerRef `json:"layers"`
	Tables []layerRef `json:"tables"`
}

type layerRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ItemLayer resolves a portal item to its feature service and returns the
// index-th layer or table of it.
func (c *Client) ItemLayer(ctx context.Context, itemID string, kind LayerKind, index int) (*Layer, error) {
	if itemID == "" {
		return nil, fmt.Errorf("arcgis: empty item id")
	}

	var item struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	err := c.callJSON(ctx, request{
		method:   http.MethodGet,
		endpoint: c.portalURL + "/sharing/rest/content/items/" + url.PathEscape(itemID),
		params:   url.Values{"f": {"json"}},
		retry:    true,
	}, &item)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve item %s: %w", itemID, err)
	}
	if item.URL == "" {
		return nil, fmt.Errorf("item %s has no service url", itemID)
	}

	serviceURL := strings.TrimRight(item.URL, "/")
	var info serviceInfo
	err = c.callJSON(ctx, request{
		method:   http.MethodGet,
		endpoint: serviceURL,
		params:   url.Values{"f": {"json"}},
		retry:    true,
	}, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to describe service of item %s: %w", itemID, err)
	}

	refs := info.Layers
	if kind == KindTable {
		refs = info.Tables
	}
	if index < 0 || index >= len(refs) {
		return nil, fmt.Errorf("item %s has no %s[%d]", itemID, kind, index)
	}

	ref := refs[index]
	c.logger.Debug("Resolved layer",
		zap.String("item", itemID),
		zap.String("name", ref.Name),
		zap.Int("id", ref.ID))
	return &Layer{
		client: c,
		URL:    serviceURL + "/" + strconv.Itoa(ref.ID),
		Name:   ref.Name,
	}, nil
}

// Query describes a layer query
type Query struct {
	Where          string
	OutFields      []string
	ReturnGeometry bool
	OrderBy        string
}

// Query runs q against the layer, following pagination until the service
// stops reporting exceededTransferLimit. The returned set carries the
// schema of the first page and the features of all pages.
func (l *Layer) Query(ctx context.Context, q Query) (*FeatureSet, error) {
	where := q.Where
	if where == "" {
		where = "1=1"
	}
	outFields := "*"
	if len(q.OutFields) > 0 {
		outFields = strings.Join(q.OutFields, ",")
	}
	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = DefaultObjectIDField
	}

	var result *FeatureSet
	offset := 0
	for {
		params := url.Values{
			"where":             {where},
			"outFields":         {outFields},
			"returnGeometry":    {strconv.FormatBool(q.ReturnGeometry)},
			"orderByFields":     {orderBy},
			"resultOffset":      {strconv.Itoa(offset)},
			"resultRecordCount": {strconv.Itoa(l.client.pageSize)},
			"f":                 {"json"},
		}

		var page FeatureSet
		err := l.client.callJSON(ctx, request{
			method:   http.MethodPost,
			endpoint: l.URL + "/query",
			params:   params,
			retry:    true,
		}, &page)
		if err != nil {
			return nil, fmt.Errorf("query %s failed: %w", l.URL, err)
		}

		if result == nil {
			result = &page
		} else {
			result.Features = append(result.Features, page.Features...)
		}

		if !page.ExceededTransferLimit || len(page.Features) == 0 {
			break
		}
		offset += len(page.Features)
	}

	result.ExceededTransferLimit = false
	l.client.logger.Debug("Query complete",
		zap.String("layer", l.URL),
		zap.String("where", where),
		zap.Int("features", len(result.Features)))
	return result, nil
}

// UpdateFeatures submits all edits in a single request. Nothing is sent for
// an empty batch. A rejected edit yields an *EditFailure; the results of
// the accepted ones are still returned.
func (l *Layer) UpdateFeatures(ctx context.Context, features []Feature) ([]EditResult, error) {
	if len(features) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	var resp struct {
		UpdateResults []EditResult `json:"updateResults"`
	}
	err = l.client.callJSON(ctx, request{
		method:   http.MethodPost,
		endpoint: l.URL + "/updateFeatures",
		params: url.Values{
			"features":          {string(payload)},
			"rollbackOnFailure": {"false"},
			"f":                 {"json"},
		},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("updateFeatures on %s failed: %w", l.URL, err)
	}

	var failed []EditResult
	for _, r := range resp.UpdateResults {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	l.client.logger.Debug("updateFeatures complete",
		zap.String("layer", l.URL),
		zap.Int("submitted", len(features)),
		zap.Int("failed", len(failed)))
	if len(failed) > 0 {
		return resp.UpdateResults, &EditFailure{Operation: "updateFeatures", Failed: failed}
	}
	return resp.UpdateResults, nil
}

// Attachments lists the attachments of one feature
func (l *Layer) Attachments(ctx context.Context, objectID int64) ([]AttachmentInfo, error) {
	var resp struct {
		AttachmentInfos []AttachmentInfo `json:"attachmentInfos"`
	}
	err := l.client.callJSON(ctx, request{
		method:   http.MethodGet,
		endpoint: fmt.Sprintf("%s/%d/attachments", l.URL, objectID),
		params:   url.Values{"f": {"json"}},
		retry:    true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments of %d: %w", objectID, err)
	}
	for i := range resp.AttachmentInfos {
		if resp.AttachmentInfos[i].ParentID == 0 {
			resp.AttachmentInfos[i].ParentID = objectID
		}
	}
	return resp.AttachmentInfos, nil
}

// DownloadAttachment returns the binary content of one attachment
func (l *Layer) DownloadAttachment(ctx context.Context, objectID, attachmentID int64) ([]byte, error) {
	data, err := l.downloadAttachment(ctx, objectID, attachmentID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment %d of %d: %w", attachmentID, objectID, err)
	}
	return data, nil
}

func (l *Layer) downloadAttachment(ctx context.Context, objectID, attachmentID int64, reauth bool) ([]byte, error) {
	body, err := l.client.call(ctx, request{
		method:   http.MethodGet,
		endpoint: fmt.Sprintf("%s/%d/attachments/%d", l.URL, objectID, attachmentID),
		retry:    true,
	})
	if err != nil {
		return nil, err
	}

	// binary content never carries the JSON error envelope
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte(`{"error"`)) {
		return body, nil
	}
	err = decodeJSON(body, nil)
	var apiErr *Error
	if reauth && errors.As(err, &apiErr) && apiErr.IsTokenError() {
		if _, err := l.client.getToken(ctx, true); err != nil {
			return nil, err
		}
		return l.downloadAttachment(ctx, objectID, attachmentID, false)
	}
	return nil, err
}

// UpdateAttachment replaces the content of an attachment, which is the only
// way the REST API can rename one. The new file name is taken from name.
func (l *Layer) UpdateAttachment(ctx context.Context, objectID, attachmentID int64, name, contentType string, data []byte) error {
	build := func(token string) (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)

		fields := map[string]string{
			"attachmentId": strconv.FormatInt(attachmentID, 10),
			"f":            "json",
		}
		if token != "" {
			fields["token"] = token
		}
		for k, v := range fields {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}

		part, err := w.CreatePart(attachmentHeader(name, contentType))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}

	var resp struct {
		Result EditResult `json:"updateAttachmentResult"`
	}
	err := l.client.callJSON(ctx, request{
		method:    http.MethodPost,
		endpoint:  fmt.Sprintf("%s/%d/updateAttachment", l.URL, objectID),
		multipart: build,
	}, &resp)
	if err != nil {
		return fmt.Errorf("updateAttachment %d of %d failed: %w", attachmentID, objectID, err)
	}
	if !resp.Result.Success {
		return &EditFailure{Operation: "updateAttachment", Failed: []EditResult{resp.Result}}
	}
	return nil
}

func attachmentHeader(name, contentType string) textproto.MIMEHeader {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name)
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="attachment"; filename="%s"`, escaped)},
		"Content-Type":        {contentType},
	}
}
