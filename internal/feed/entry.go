package feed

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// NoTitle replaces a missing or markup-only entry title.
const NoTitle = "No Title"

// Post is the canonical form of a feed entry. Empty strings and a zero
// Published mean the field was absent in the source.
type Post struct {
	Title       string
	Link        string
	Author      string
	Summary     string
	Image       string
	Published   time.Time
	Fingerprint string
}

// Fingerprint derives the dedup key for an entry from, in order of
// preference, its native id, its permalink, or its title and raw published
// date. The key is the hex MD5 of that string.
func Fingerprint(item *gofeed.Item) string {
	sum := md5.Sum([]byte(fingerprintKey(item)))
	return hex.EncodeToString(sum[:])
}

func fingerprintKey(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	return item.Title + item.Published
}

// Normalize maps a parsed entry to a Post. It never fails: missing fields
// fall back to their zero value, and a missing title becomes NoTitle.
func Normalize(item *gofeed.Item) Post {
	title := stripHTML(item.Title)
	if title == "" {
		title = NoTitle
	}

	return Post{
		Title:       title,
		Link:        strings.TrimSpace(item.Link),
		Author:      itemAuthor(item),
		Summary:     itemSummary(item),
		Image:       itemImage(item),
		Published:   itemPublishedTime(item),
		Fingerprint: Fingerprint(item),
	}
}

func itemPublishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func itemSummary(item *gofeed.Item) string {
	if s := stripHTML(item.Description); s != "" {
		return s
	}
	return stripHTML(item.Content)
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil {
		if name := strings.TrimSpace(item.Author.Name); name != "" {
			return name
		}
		if email := strings.TrimSpace(item.Author.Email); email != "" {
			return email
		}
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		return strings.TrimSpace(item.Authors[0].Name)
	}
	return ""
}

// itemImage resolves media:thumbnail, then media:content, then the first
// image enclosure, then the entry-level image.
func itemImage(item *gofeed.Item) string {
	if u := mediaURL(item.Extensions, "thumbnail"); u != "" {
		return u
	}
	if u := mediaURL(item.Extensions, "content"); u != "" {
		return u
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(strings.ToLower(enc.Type), "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	if item.Image != nil {
		return item.Image.URL
	}
	return ""
}

func mediaURL(exts ext.Extensions, name string) string {
	media, ok := exts["media"]
	if !ok {
		return ""
	}
	if u := firstAttr(media[name], "url"); u != "" {
		return u
	}
	// Many feeds nest media elements inside <media:group>.
	for _, group := range media["group"] {
		if u := firstAttr(group.Children[name], "url"); u != "" {
			return u
		}
	}
	return ""
}

func firstAttr(elems []ext.Extension, attr string) string {
	for _, e := range elems {
		if v := strings.TrimSpace(e.Attrs[attr]); v != "" {
			return v
		}
	}
	return ""
}
