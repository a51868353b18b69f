package wasp

import (
	"context"
	"fmt"
	"sort"
)

// TagInfo describes one tag of a collection schema.
type TagInfo struct {
	Name         string
	IsKey        bool
	IsMandatory  bool
	DefaultValue any
	// Select lists the allowed values, or nil when the tag is free-form.
	Select []any
}

// SystemInfo is the tag schema of a collection.
type SystemInfo struct {
	tags map[string]TagInfo
}

// NewSystemInfo reads a tags_object record: one entry per tag carrying
// isKey, isMandatory, defaultValue and select.
func NewSystemInfo(record Record) *SystemInfo {
	info := &SystemInfo{tags: make(map[string]TagInfo, len(record))}
	for name, raw := range record {
		entry, _ := raw.(map[string]any)
		tag := TagInfo{Name: name}
		if entry != nil {
			tag.IsKey, _ = entry["isKey"].(bool)
			tag.IsMandatory, _ = entry["isMandatory"].(bool)
			tag.DefaultValue = entry["defaultValue"]
			if values, ok := entry["select"].([]any); ok {
				tag.Select = values
			}
		}
		info.tags[name] = tag
	}
	return info
}

// Tags lists every tag name, sorted.
func (s *SystemInfo) Tags() []string {
	return s.filter(func(TagInfo) bool { return true })
}

// KeyTags lists the tags that together identify a record, sorted.
func (s *SystemInfo) KeyTags() []string {
	return s.filter(func(t TagInfo) bool { return t.IsKey })
}

// MandatoryTags lists the tags every record must carry, sorted.
func (s *SystemInfo) MandatoryTags() []string {
	return s.filter(func(t TagInfo) bool { return t.IsMandatory })
}

// Tag returns the schema of one tag.
func (s *SystemInfo) Tag(name string) (TagInfo, error) {
	tag, ok := s.tags[name]
	if !ok {
		return TagInfo{}, fmt.Errorf("%w: %s", ErrUnknownTag, name)
	}
	return tag, nil
}

// DefaultValue returns the tag's default value, nil when it has none.
func (s *SystemInfo) DefaultValue(name string) (any, error) {
	tag, err := s.Tag(name)
	if err != nil {
		return nil, err
	}
	return tag.DefaultValue, nil
}

// PossibleValues returns the tag's allowed values, nil when unrestricted.
func (s *SystemInfo) PossibleValues(name string) ([]any, error) {
	tag, err := s.Tag(name)
	if err != nil {
		return nil, err
	}
	return tag.Select, nil
}

func (s *SystemInfo) filter(keep func(TagInfo) bool) []string {
	names := make([]string, 0, len(s.tags))
	for name, tag := range s.tags {
		if keep(tag) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Column is one displayed column of a view.
type Column struct {
	Name          string
	CalculatePath string
}

// ViewConfig describes how a collection is displayed.
type ViewConfig struct {
	Columns []Column
}

// NewViewConfig reads a view_config record's properties list.
func NewViewConfig(record Record) *ViewConfig {
	view := &ViewConfig{}
	properties, _ := record["properties"].([]any)
	for _, raw := range properties {
		property, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := property["name"].(string)
		path, _ := property["calculatePath"].(string)
		view.Columns = append(view.Columns, Column{Name: name, CalculatePath: path})
	}
	return view
}

// GetSystemInfo fetches the tag schema of a collection.
func (c *Client) GetSystemInfo(ctx context.Context, collection string) (*SystemInfo, error) {
	resp, err := c.get(ctx, []string{"system", "tools", collection, "tags_object"}, nil, nil)
	if err != nil {
		return nil, err
	}
	record, err := c.decodeRecord(resp)
	if err != nil {
		return nil, err
	}
	return NewSystemInfo(record), nil
}

// GetTagValues lists the values a tag already has across the collection.
// The server scans every record, so callers should cache the result.
func (c *Client) GetTagValues(ctx context.Context, collection, tag string) ([]any, error) {
	resp, err := c.get(ctx, []string{"tools", collection, "tags", tag, "values"}, nil, nil)
	if err != nil {
		return nil, err
	}
	value, err := c.decode(resp)
	if err != nil {
		return nil, err
	}
	switch values := value.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return values, nil
	default:
		return []any{values}, nil
	}
}

// GetViewInfo fetches a view configuration. An empty view selects "default".
func (c *Client) GetViewInfo(ctx context.Context, collection, view string) (*ViewConfig, error) {
	if view == "" {
		view = "default"
	}
	resp, err := c.get(ctx, []string{"system", "view_config", collection, view}, nil, nil)
	if err != nil {
		return nil, err
	}
	record, err := c.decodeRecord(resp)
	if err != nil {
		return nil, err
	}
	return NewViewConfig(record), nil
}
