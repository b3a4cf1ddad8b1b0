package drive

import (
	"fmt"
	"regexp"
)

var (
	folderIDPattern = regexp.MustCompile(`/folders/([a-zA-Z0-9_-]+)`)
	openIDPattern   = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	docIDPattern    = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)
	rawIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ParseFolderID extracts the folder id from any of the shareable Drive URL
// shapes (/folders/<id>, open?id=<id>, /d/<id>/) or accepts a raw id.
func ParseFolderID(driveURL string) (string, error) {
	for _, re := range []*regexp.Regexp{folderIDPattern, openIDPattern, docIDPattern} {
		if m := re.FindStringSubmatch(driveURL); m != nil {
			return m[1], nil
		}
	}

	if rawIDPattern.MatchString(driveURL) {
		return driveURL, nil
	}

	return "", fmt.Errorf("drive: no folder id in %q", driveURL)
}
