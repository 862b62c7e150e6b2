package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

const (
	maxNameLength        = 255
	maxDescriptionLength = 1024
	maxTagLength         = 64
	maxTagCount          = 50
)

var (
	namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)
	tagPattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)
)

// ValidateName checks a secret name. Names start with a letter or digit and
// contain only letters, digits and . _ / -.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("secret name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("secret name exceeds maximum length of %d", maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("secret name %q contains invalid characters", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("secret name %q must not contain '..'", name)
	}
	return nil
}

// NormalizeDescription trims and bounds a description.
func NormalizeDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxDescriptionLength {
		return "", fmt.Errorf("description exceeds maximum length of %d", maxDescriptionLength)
	}
	return s, nil
}

// ValidateTag checks a single tag.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag cannot be empty")
	}
	if len(tag) > maxTagLength {
		return fmt.Errorf("tag exceeds maximum length of %d", maxTagLength)
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("tag %q contains invalid characters", tag)
	}
	return nil
}

// NormalizeTags validates tags and returns them as a sorted set.
func NormalizeTags(tags []string) ([]string, error) {
	if len(tags) > maxTagCount {
		return nil, fmt.Errorf("tag count %d exceeds maximum of %d", len(tags), maxTagCount)
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if err := ValidateTag(tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
