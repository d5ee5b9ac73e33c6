package engine

import (
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
)

func TestSlugifyFamily(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"with spaces here", "with-spaces-here"},
		{"flow run/job 42", "flow-run-job-42"},
		{"under_score-dash", "under_score-dash"},
		{"éxötic çhars", "x-tic-hars"},
		{"--trimmed--", "trimmed"},
		{"", ""},
		{"!!!", ""},
		{"a!!!b", "a-b"},
	}
	for _, tt := range tests {
		if got := slugifyFamily(tt.in); got != tt.want {
			t.Errorf("slugifyFamily(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSlugifyFamilyLength(t *testing.T) {
	long := strings.Repeat("a", 300)
	got := slugifyFamily(long)
	if len(got) != maxFamilyLength {
		t.Errorf("len = %d, want %d", len(got), maxFamilyLength)
	}
}

func TestSlugifyTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple", "simple"},
		{"key with spaces", "key with spaces"},
		{"a/b.c=d+e-f:g@h", "a/b.c=d+e-f:g@h"},
		{"bad&chars", "bad-chars"},
		{"repeated$$$runs", "repeated-runs"},
	}
	for _, tt := range tests {
		if got := slugifyTag(tt.in); got != tt.want {
			t.Errorf("slugifyTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeTags(t *testing.T) {
	tags := sanitizeTags(map[string]string{
		"good":    "value",
		"bad&key": "bad&value",
		"!!!":     "dropped because the key slugs away",
	})

	got := map[string]string{}
	for _, tag := range tags {
		got[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	if len(got) != 2 {
		t.Fatalf("tags = %v, want 2 entries", got)
	}
	if got["good"] != "value" {
		t.Errorf("good = %q", got["good"])
	}
	if got["bad-key"] != "bad-value" {
		t.Errorf("bad-key = %q, want bad-value", got["bad-key"])
	}
}

func TestSanitizeTagsEmpty(t *testing.T) {
	if got := sanitizeTags(nil); got != nil {
		t.Errorf("sanitizeTags(nil) = %v, want nil", got)
	}
}
