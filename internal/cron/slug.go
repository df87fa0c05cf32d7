package cron

import (
	"regexp"
	"strings"

	"github.com/shehryarbajwa/companion/internal/apperr"
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a job id from its name: lowercase, runs of anything that
// is not a letter or digit become a single dash, no leading or trailing
// dashes.
func Slugify(name string) (string, error) {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "", apperr.Validation("name", "must contain at least one letter or digit")
	}
	return slug, nil
}
