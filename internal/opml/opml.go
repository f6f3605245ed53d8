// Package opml handles importing and exporting OPML files.
package opml

import (
	"encoding/xml"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Category string    `xml:"category,attr,omitempty"`
	Created  string    `xml:"created,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// UnmarshalXML reads outline attributes without regard to case; exporters
// disagree on xmlUrl vs xmlurl.
func (o *Outline) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		switch strings.ToLower(a.Name.Local) {
		case "text":
			o.Text = a.Value
		case "title":
			o.Title = a.Value
		case "type":
			o.Type = a.Value
		case "xmlurl":
			o.XMLURL = a.Value
		case "htmlurl":
			o.HTMLURL = a.Value
		case "category":
			o.Category = a.Value
		case "created":
			o.Created = a.Value
		}
	}
	var children struct {
		Outlines []Outline `xml:"outline"`
	}
	if err := d.DecodeElement(&children, &start); err != nil {
		return err
	}
	o.Outlines = children.Outlines
	return nil
}

var importanceTag = regexp.MustCompile(`^importance/(\d+)$`)

// ParseFollows reads an OPML document into synced records keyed by follow id.
//
// Each outline with a feed or site URL becomes a record. Its tags are the
// comma-separated category followed by the text of every ancestor outline; an
// "importance/<N>" tag sets the importance instead of being kept.
func ParseFollows(r io.Reader) (map[string]model.SyncedRecord, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode opml")
	}

	follows := make(map[string]model.SyncedRecord)
	var walk func(outlines []Outline, parents []string)
	walk = func(outlines []Outline, parents []string) {
		for _, o := range outlines {
			if u := firstNonEmpty(o.XMLURL, o.HTMLURL); u != "" {
				rec := model.SyncedRecord{URL: u, Title: o.Title}
				rec.Tags, rec.Importance = splitTags(o.Category, parents)
				if o.Created != "" {
					if t, err := dateparse.ParseAny(o.Created); err == nil {
						rec.EditedAt = t
					}
				}
				follows[model.FollowID(u)] = rec
			}
			if len(o.Outlines) > 0 {
				path := parents
				if o.Text != "" {
					path = append(append([]string{}, parents...), o.Text)
				}
				walk(o.Outlines, path)
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return follows, nil
}

func splitTags(category string, parents []string) ([]string, int) {
	var raw []string
	if category != "" {
		raw = strings.Split(category, ",")
	}
	raw = append(raw, parents...)

	var tags []string
	importance := 0
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if m := importanceTag.FindStringSubmatch(tag); m != nil {
			importance, _ = strconv.Atoi(m[1])
			continue
		}
		tags = append(tags, tag)
	}
	return tags, importance
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Export writes follows as a flat OPML outline list. Tags and importance travel
// in the category attribute so ParseFollows restores them.
func Export(title string, follows []*model.Follow, now time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
	}

	for _, f := range follows {
		category := "importance/" + strconv.Itoa(f.Importance)
		if len(f.Tags) > 0 {
			category += "," + strings.Join(f.Tags, ",")
		}
		o := Outline{
			Text:     f.DisplayTitle(),
			Title:    f.Title,
			Type:     "rss",
			XMLURL:   f.FeedURL,
			HTMLURL:  f.URL,
			Category: category,
		}
		if !f.EditedAt.IsZero() {
			o.Created = f.EditedAt.Format(time.RFC1123Z)
		}
		doc.Body.Outlines = append(doc.Body.Outlines, o)
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode opml")
	}
	return append([]byte(xml.Header), output...), nil
}
