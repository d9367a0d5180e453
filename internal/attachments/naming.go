package attachments

import (
	"fmt"
	"strings"

	"trapper-data-collection/internal/arcgis"
)

// ParsePictureList splits a PICTURE value into its file names, dropping
// blank entries. An empty value gives an empty list.
func ParsePictureList(picture string) []string {
	if strings.TrimSpace(picture) == "" {
		return nil
	}
	parts := strings.Split(picture, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// JoinPictureList is the inverse of ParsePictureList
func JoinPictureList(names []string) string {
	return strings.Join(names, ",")
}

// Extension returns the text after the last dot of name. A name without a
// dot is returned whole.
func Extension(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// NewFileName builds {prefix}_{key}_photo{n}.{ext} with the key lower-cased
func NewFileName(prefix, key string, n int, ext string) string {
	return fmt.Sprintf("%s_%s_photo%d.%s", prefix, strings.ToLower(key), n, ext)
}

// Rename is one attachment that has to be given a new name
type Rename struct {
	Attachment arcgis.AttachmentInfo
	NewName    string
}

// Plan is the outcome of reconciling one record
type Plan struct {
	Kept     []string
	Renames  []Rename
	Pictures []string // new PICTURE list, in attachment order
}

// Changed reports whether the record needs any write
func (p Plan) Changed() bool {
	return len(p.Renames) > 0
}

// PlanRecord decides, for one record's attachments in server order, which
// are kept and what the others are renamed to.
//
// An attachment is kept when its name starts with prefix and already
// appears in the record's PICTURE list. Renamed attachments are numbered
// from 1 in order; a number whose name is already held by a kept
// attachment of the same record is skipped.
func PlanRecord(prefix, key, picture string, infos []arcgis.AttachmentInfo) Plan {
	recognized := make(map[string]bool)
	for _, name := range ParsePictureList(picture) {
		recognized[name] = true
	}

	keep := make([]bool, len(infos))
	taken := make(map[string]bool)
	for i, info := range infos {
		if strings.HasPrefix(info.Name, prefix) && recognized[info.Name] {
			keep[i] = true
			taken[info.Name] = true
		}
	}

	var plan Plan
	n := 1
	for i, info := range infos {
		if keep[i] {
			plan.Kept = append(plan.Kept, info.Name)
			plan.Pictures = append(plan.Pictures, info.Name)
			continue
		}

		ext := Extension(info.Name)
		name := NewFileName(prefix, key, n, ext)
		for taken[name] {
			n++
			name = NewFileName(prefix, key, n, ext)
		}
		taken[name] = true
		n++

		plan.Renames = append(plan.Renames, Rename{Attachment: info, NewName: name})
		plan.Pictures = append(plan.Pictures, name)
	}
	return plan
}
