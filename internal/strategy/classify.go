package strategy

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Iron-Ham/keyforge/internal/target"
)

var personalKeywords = []string{
	"photo", "picture", "pic", "img", "image",
	"family", "personal", "private", "secret",
	"vacation", "holiday", "trip", "travel",
	"wedding", "birthday", "party",
	"video", "movie", "music", "song",
}

var workKeywords = []string{
	"work", "project", "proj",
	"report", "document", "doc",
	"contract", "agreement",
	"presentation", "ppt", "slide",
	"meeting", "minutes",
	"invoice", "receipt", "bill",
	"budget", "financial", "finance",
	"client", "customer", "vendor",
}

var (
	datePattern    = regexp.MustCompile(`\d{4}[-_]\d{2}[-_]\d{2}|\d{8}`)
	versionPattern = regexp.MustCompile(`v\d+|version|ver\d+|_v\d+`)
	backupPattern  = regexp.MustCompile(`backup|bak|copy|archive`)
)

// FeatureSet is what the classifier reads from a target path.
type FeatureSet struct {
	IsPersonal bool   `json:"is_personal"`
	IsWork     bool   `json:"is_work"`
	HasDate    bool   `json:"has_date"`
	HasVersion bool   `json:"has_version"`
	IsBackup   bool   `json:"is_backup"`
	FileName   string `json:"file_name"`
	DirName    string `json:"dir_name"`
}

// Classifier derives a FeatureSet from a target.
type Classifier func(target.Target) FeatureSet

// ClassifyTarget matches keyword lists against the lower-cased file and
// directory names. A target also counts as work when its name carries both
// a date and a version, or looks like a backup.
func ClassifyTarget(t target.Target) FeatureSet {
	fileName := strings.ToLower(t.Name())
	dirName := strings.ToLower(filepath.ToSlash(t.Dir()))

	matches := func(keywords []string) bool {
		for _, k := range keywords {
			if strings.Contains(fileName, k) || strings.Contains(dirName, k) {
				return true
			}
		}
		return false
	}

	fs := FeatureSet{
		IsPersonal: matches(personalKeywords),
		HasDate:    datePattern.MatchString(fileName),
		HasVersion: versionPattern.MatchString(fileName),
		IsBackup:   backupPattern.MatchString(fileName),
		FileName:   fileName,
		DirName:    dirName,
	}
	fs.IsWork = matches(workKeywords) || (fs.HasDate && fs.HasVersion) || fs.IsBackup
	return fs
}

// SelectBaseStrategy maps features to PERSONAL, WORK or GENERIC. Personal
// wins over work.
func SelectBaseStrategy(fs FeatureSet) string {
	switch {
	case fs.IsPersonal:
		return Personal
	case fs.IsWork:
		return Work
	default:
		return Generic
	}
}
