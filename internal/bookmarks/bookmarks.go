// Package bookmarks renders follows as an HTML bookmark tree, grouped by tag and
// then by importance tier.
package bookmarks

import (
	"bytes"
	"html/template"
	"sort"

	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
)

var page = template.Must(template.New("bookmarks").Parse(`<!DOCTYPE html>
<meta http-equiv="Content-Type" content="text/html; charset=UTF-8">
<title>Followed Links</title>
<h1>Followed Sources</h1>
<dl>
{{- range .}}
<dt><h3>{{.Tag}}</h3>
<dl>
{{- range .Tiers}}
<dt><h4>{{.Label}}</h4>
<dl>
{{- range .Follows}}
<dt><a href="{{.URL}}">{{.DisplayTitle}}</a>
{{- end}}
</dl>
{{- end}}
</dl>
{{- end}}
</dl>
`))

type tagGroup struct {
	Tag   string
	Tiers []tierGroup
}

type tierGroup struct {
	Label   string
	Follows []*model.Follow
}

// Tier returns the importance tier a follow is listed under: the highest tier
// whose value does not exceed importance.
func Tier(importance int) model.Importance {
	tier := model.Importances[0]
	for _, imp := range model.Importances {
		if imp.Value <= importance {
			tier = imp
		}
	}
	return tier
}

// Export renders follows. The home tag comes first, the other tags follow in
// alphabetical order; within a tier follows are sorted by title.
func Export(follows []*model.Follow) ([]byte, error) {
	sorted := append([]*model.Follow(nil), follows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DisplayTitle() < sorted[j].DisplayTitle()
	})

	byKey := make(map[string]map[int][]*model.Follow)
	for _, f := range sorted {
		tier := Tier(f.Importance).Value
		for _, tag := range f.TagList() {
			if byKey[tag] == nil {
				byKey[tag] = make(map[int][]*model.Follow)
			}
			byKey[tag][tier] = append(byKey[tag][tier], f)
		}
	}

	tags := []string{model.HomeTag}
	for tag := range byKey {
		if tag != model.HomeTag {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags[1:])

	var groups []tagGroup
	for _, tag := range tags {
		g := tagGroup{Tag: tag}
		for _, imp := range model.Importances {
			if fs := byKey[tag][imp.Value]; len(fs) > 0 {
				g.Tiers = append(g.Tiers, tierGroup{Label: imp.Label, Follows: fs})
			}
		}
		groups = append(groups, g)
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, groups); err != nil {
		return nil, errors.Wrap(err, "render bookmarks")
	}
	return buf.Bytes(), nil
}
