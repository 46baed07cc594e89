package registry

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxChannelNameLength is Discord's limit on channel names.
	MaxChannelNameLength = 100
	DefaultChannelName   = "rss-feed"
)

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// ChannelName turns a feed title into a channel name: lowercase ASCII
// letters and digits separated by single hyphens.
func ChannelName(title string) string {
	name := strings.ToLower(title)
	name = nonSlugRe.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > MaxChannelNameLength {
		name = strings.TrimRight(name[:MaxChannelNameLength], "-")
	}
	if name == "" {
		return DefaultChannelName
	}
	return name
}

// withSuffix appends -n to base, shortening base so the result still fits.
func withSuffix(base string, n int) string {
	suffix := "-" + strconv.Itoa(n)
	if len(base)+len(suffix) > MaxChannelNameLength {
		base = strings.TrimRight(base[:MaxChannelNameLength-len(suffix)], "-")
	}
	return base + suffix
}
