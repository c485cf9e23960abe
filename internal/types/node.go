package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// PropertyKind tags the value held by a PropertyValue
type PropertyKind string

const (
	PropertyString  PropertyKind = "string"
	PropertyInt     PropertyKind = "int"
	PropertyBool    PropertyKind = "bool"
	PropertyTime    PropertyKind = "time"
	PropertyDecimal PropertyKind = "decimal"
	PropertyStrings PropertyKind = "strings"
)

// PropertyValue is a tagged union over the metadata property kinds the
// repository exposes. Exactly one of the value fields is meaningful, selected by Kind.
type PropertyValue struct {
	Kind    PropertyKind `json:"kind"`
	String  string       `json:"string,omitempty"`
	Int     int64        `json:"int,omitempty"`
	Bool    bool         `json:"bool,omitempty"`
	Time    time.Time    `json:"time,omitempty"`
	Decimal float64      `json:"decimal,omitempty"`
	Strings []string     `json:"strings,omitempty"`
}

func StringProperty(v string) PropertyValue  { return PropertyValue{Kind: PropertyString, String: v} }
func IntProperty(v int64) PropertyValue      { return PropertyValue{Kind: PropertyInt, Int: v} }
func BoolProperty(v bool) PropertyValue      { return PropertyValue{Kind: PropertyBool, Bool: v} }
func TimeProperty(v time.Time) PropertyValue { return PropertyValue{Kind: PropertyTime, Time: v} }
func DecimalProperty(v float64) PropertyValue {
	return PropertyValue{Kind: PropertyDecimal, Decimal: v}
}
func StringsProperty(v []string) PropertyValue {
	return PropertyValue{Kind: PropertyStrings, Strings: append([]string(nil), v...)}
}

// Value returns the held value as an interface
func (p PropertyValue) Value() interface{} {
	switch p.Kind {
	case PropertyString:
		return p.String
	case PropertyInt:
		return p.Int
	case PropertyBool:
		return p.Bool
	case PropertyTime:
		return p.Time
	case PropertyDecimal:
		return p.Decimal
	case PropertyStrings:
		return p.Strings
	}
	return nil
}

// RemoteNode is the last-known metadata of a document or folder in the remote repository
type RemoteNode struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsFolder     bool      `json:"isFolder"`
	MimeType     string    `json:"mimeType,omitempty"`
	Size         int64     `json:"size,omitempty"`
	ModifiedAt   time.Time `json:"modifiedAt"`
	VersionLabel string    `json:"versionLabel,omitempty"`
	ParentIDs    []string  `json:"parentIds,omitempty"`

	// Properties holds recognized metadata properties.
	Properties map[string]PropertyValue `json:"properties,omitempty"`
	// Extensions keeps properties the client does not recognize, verbatim.
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Extension decodes an unrecognized extension property into out
func (n *RemoteNode) Extension(key string, out interface{}) (bool, error) {
	raw, ok := n.Extensions[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to decode extension %q: %w", key, err)
	}
	return true, nil
}

// Permissions are the capabilities the current user holds on a node
type Permissions struct {
	CanEdit     bool `json:"canEdit"`
	CanDelete   bool `json:"canDelete"`
	CanDownload bool `json:"canDownload"`
	CanComment  bool `json:"canComment"`
}

// MarshalSnapshot serializes a node for the registry snapshot column
func MarshalSnapshot(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalNodeSnapshot decodes a remote node snapshot, returning nil for an empty snapshot
func UnmarshalNodeSnapshot(s string) (*RemoteNode, error) {
	if s == "" {
		return nil, nil
	}
	var node RemoteNode
	if err := json.Unmarshal([]byte(s), &node); err != nil {
		return nil, fmt.Errorf("failed to decode node snapshot: %w", err)
	}
	return &node, nil
}

// UnmarshalPermissionsSnapshot decodes a permissions snapshot, returning nil for an empty snapshot
func UnmarshalPermissionsSnapshot(s string) (*Permissions, error) {
	if s == "" {
		return nil, nil
	}
	var perms Permissions
	if err := json.Unmarshal([]byte(s), &perms); err != nil {
		return nil, fmt.Errorf("failed to decode permissions snapshot: %w", err)
	}
	return &perms, nil
}
