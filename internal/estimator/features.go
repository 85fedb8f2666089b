package estimator

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/keyforge/internal/target"
)

// Size buckets.
const (
	SizeSmall     = "small"
	SizeMedium    = "medium"
	SizeLarge     = "large"
	SizeVeryLarge = "very_large"
	Unknown       = "unknown"
)

// Type buckets.
const (
	TypeArchive  = "archive"
	TypeDocument = "document"
)

// Age buckets.
const (
	AgeRecent = "recent"
	AgeMedium = "medium"
	AgeOld    = "old"
)

const day = 24 * time.Hour

var typeGlobs = []struct {
	bucket string
	g      glob.Glob
}{
	{TypeArchive, glob.MustCompile("*.{zip,rar,7z,tar,gz}")},
	{TypeDocument, glob.MustCompile("*.{pdf,doc,docx,xls,xlsx,ppt,pptx}")},
}

var (
	datePattern     = regexp.MustCompile(`\d{4}[-_]\d{2}[-_]\d{2}|\d{8}|\d{4}`)
	versionPattern  = regexp.MustCompile(`v\d+|version|ver\d+|_v\d+`)
	backupPattern   = regexp.MustCompile(`backup|bak|copy|archive`)
	personalPattern = regexp.MustCompile(`photo|picture|family|personal|private`)
	workPattern     = regexp.MustCompile(`work|project|report|document|contract`)
	numberPattern   = regexp.MustCompile(`\d+`)
)

var (
	userDirs     = []string{"users", "user", "home"}
	workDirs     = []string{"work", "project", "documents", "desktop"}
	personalDirs = []string{"personal", "private", "photos", "pictures"}
)

// NameFeatures are flags derived from the file name without extension.
type NameFeatures struct {
	HasDate    bool `json:"has_date"`
	HasVersion bool `json:"has_version"`
	IsBackup   bool `json:"is_backup"`
	IsPersonal bool `json:"is_personal"`
	IsWork     bool `json:"is_work"`
	HasNumbers bool `json:"has_numbers"`
	Length     int  `json:"length"`
}

// PathFeatures are flags derived from the directory components.
type PathFeatures struct {
	Depth           int  `json:"depth"`
	HasUserPath     bool `json:"has_user_path"`
	HasWorkPath     bool `json:"has_work_path"`
	HasPersonalPath bool `json:"has_personal_path"`
}

// AgeFeatures describe how old the file is, by modification time.
type AgeFeatures struct {
	Category         string `json:"category"`
	RecentlyModified bool   `json:"recently_modified"`
	Year             int    `json:"year,omitempty"`
}

// Features is everything the estimator knows about a target.
type Features struct {
	Size string       `json:"size"`
	Type string       `json:"type"`
	Name NameFeatures `json:"name"`
	Path PathFeatures `json:"path"`
	Age  AgeFeatures  `json:"age"`
}

// ExtractFeatures classifies t. Missing metadata yields the unknown bucket.
func ExtractFeatures(t target.Target, now time.Time) Features {
	return Features{
		Size: sizeBucket(t),
		Type: typeBucket(t),
		Name: nameFeatures(t),
		Path: pathFeatures(t),
		Age:  ageFeatures(t, now),
	}
}

func sizeBucket(t target.Target) string {
	if !t.SizeKnown() {
		return Unknown
	}
	switch size := uint64(t.Size); {
	case size < 1<<20:
		return SizeSmall
	case size < 10<<20:
		return SizeMedium
	case size < 100<<20:
		return SizeLarge
	default:
		return SizeVeryLarge
	}
}

func typeBucket(t target.Target) string {
	name := strings.ToLower(t.Name())
	for _, tg := range typeGlobs {
		if tg.g.Match(name) {
			return tg.bucket
		}
	}
	return Unknown
}

func nameFeatures(t target.Target) NameFeatures {
	base := t.Name()
	name := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	return NameFeatures{
		HasDate:    datePattern.MatchString(name),
		HasVersion: versionPattern.MatchString(name),
		IsBackup:   backupPattern.MatchString(name),
		IsPersonal: personalPattern.MatchString(name),
		IsWork:     workPattern.MatchString(name),
		HasNumbers: numberPattern.MatchString(name),
		Length:     len(name),
	}
}

func pathFeatures(t target.Target) PathFeatures {
	dir := strings.ToLower(filepath.ToSlash(t.Dir()))
	var parts []string
	for _, p := range strings.Split(dir, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return PathFeatures{
		Depth:           len(parts),
		HasUserPath:     containsAny(parts, userDirs),
		HasWorkPath:     containsAny(parts, workDirs),
		HasPersonalPath: containsAny(parts, personalDirs),
	}
}

func containsAny(parts, names []string) bool {
	for _, p := range parts {
		for _, n := range names {
			if p == n {
				return true
			}
		}
	}
	return false
}

func ageFeatures(t target.Target, now time.Time) AgeFeatures {
	age, ok := t.Age(now)
	if !ok {
		return AgeFeatures{Category: Unknown}
	}
	f := AgeFeatures{
		RecentlyModified: age < 7*day,
		Year:             t.ModTime.Year(),
	}
	switch {
	case age < 30*day:
		f.Category = AgeRecent
	case age < 365*day:
		f.Category = AgeMedium
	default:
		f.Category = AgeOld
	}
	return f
}

// Key groups historical records. Two keys are similar when at least two of
// their four components are equal.
type Key struct {
	Size     string `json:"size"`
	Type     string `json:"type"`
	Personal bool   `json:"personal"`
	Work     bool   `json:"work"`
}

// Key returns the grouping key of f.
func (f Features) Key() Key {
	return Key{Size: f.Size, Type: f.Type, Personal: f.Name.IsPersonal, Work: f.Name.IsWork}
}

// String renders the key as a map key for persistence.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%t|%t", k.Size, k.Type, k.Personal, k.Work)
}

// Matches counts equal components.
func (k Key) Matches(o Key) int {
	n := 0
	if k.Size == o.Size {
		n++
	}
	if k.Type == o.Type {
		n++
	}
	if k.Personal == o.Personal {
		n++
	}
	if k.Work == o.Work {
		n++
	}
	return n
}

// weightKeys names the feature values whose weights learn from outcomes.
func (f Features) weightKeys() []string {
	n := f.Name
	return []string{
		"size:" + f.Size,
		"type:" + f.Type,
		fmt.Sprintf("name:date=%t,version=%t,backup=%t,personal=%t,work=%t,numbers=%t",
			n.HasDate, n.HasVersion, n.IsBackup, n.IsPersonal, n.IsWork, n.HasNumbers),
		fmt.Sprintf("path:user=%t,work=%t,personal=%t", f.Path.HasUserPath, f.Path.HasWorkPath, f.Path.HasPersonalPath),
		"age:" + f.Age.Category,
	}
}
