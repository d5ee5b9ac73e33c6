package engine

import (
	"strings"

	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

const (
	maxFamilyLength = 255
	maxTagLength    = 255
)

// slugifyFamily constrains a task definition family name to the platform's
// allowed character set (letters, digits, hyphens, underscores). Invalid
// characters are replaced with hyphens deterministically; consecutive
// replacements collapse into one.
func slugifyFamily(s string) string {
	return slugify(s, maxFamilyLength, func(r rune) bool {
		return r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
	})
}

// slugifyTag constrains a tag key or value to the platform's allowed
// character set.
func slugifyTag(s string) string {
	return slugify(s, maxTagLength, func(r rune) bool {
		switch r {
		case ' ', '_', '.', '/', '=', '+', '-', ':', '@':
			return true
		}
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
	})
}

func slugify(s string, maxLen int, allowed func(rune) bool) string {
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		if allowed(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "-")
	}
	return out
}

// sanitizeTags converts a tag map into ECS tag structs with slugified keys
// and values so that tagging never fails platform validation. Keys that
// slugify to empty are dropped. Output order is not significant to the
// platform.
func sanitizeTags(tags map[string]string) []ecstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]ecstypes.Tag, 0, len(tags))
	for k, v := range tags {
		key := slugifyTag(k)
		if key == "" {
			continue
		}
		value := slugifyTag(v)
		out = append(out, ecstypes.Tag{Key: &key, Value: &value})
	}
	return out
}
