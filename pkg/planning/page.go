package planning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// richText is the provider's text fragment shape.
type richText struct {
	PlainText string `json:"plain_text"`
}

// property is a union over the property types the pipeline reads.
type property struct {
	Type   string `json:"type"`
	Title  []richText `json:"title"`
	Rich   []richText `json:"rich_text"`
	URL    string     `json:"url"`
	Select *struct {
		Name string `json:"name"`
	} `json:"select"`
	Status *struct {
		Name string `json:"name"`
	} `json:"status"`
}

type pageEnvelope struct {
	ID             string              `json:"id"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	Archived       bool                `json:"archived"`
	Properties     map[string]property `json:"properties"`
}

// parsePage maps the provider's property soup onto the fields we track.
// Property names are the planning database's column titles.
func parsePage(raw json.RawMessage) (*Page, error) {
	var env pageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("page has no id")
	}

	p := &Page{ID: env.ID, UpdatedAt: env.LastEditedTime}
	for name, prop := range env.Properties {
		switch strings.ToLower(name) {
		case "title", "name":
			p.Title = joinText(prop.Title)
		case "topic":
			p.Topic = joinText(prop.Rich)
		case "story direction":
			p.StoryDirection = joinText(prop.Rich)
		case "priority":
			if prop.Select != nil {
				p.Priority = strings.ToLower(prop.Select.Name)
			}
		case "status":
			if prop.Status != nil {
				p.StatusLabel = prop.Status.Name
			}
		case "video url":
			p.VideoURL = prop.URL
		}
	}
	return p, nil
}

func joinText(parts []richText) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return b.String()
}
