package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MetastreamPrefix marks the metadata stream of another stream.
	MetastreamPrefix = "$$"
	// SettingsStream holds the system settings.
	SettingsStream = "$settings"
	// SettingsEventType is the event type carrying system settings.
	SettingsEventType = "$settings"
)

// IsMetastream reports whether streamID is a "$$<stream>" metadata stream.
func IsMetastream(streamID string) bool {
	return strings.HasPrefix(streamID, MetastreamPrefix)
}

// OriginalStreamOf strips the metastream prefix.
func OriginalStreamOf(metastreamID string) string {
	return strings.TrimPrefix(metastreamID, MetastreamPrefix)
}

// MetastreamOf returns the metadata stream of streamID.
func MetastreamOf(streamID string) string {
	return MetastreamPrefix + streamID
}

// StreamACL lists the roles allowed each kind of access.
type StreamACL struct {
	Read      []string `json:"$r,omitempty"`
	Write     []string `json:"$w,omitempty"`
	Delete    []string `json:"$d,omitempty"`
	MetaRead  []string `json:"$mr,omitempty"`
	MetaWrite []string `json:"$mw,omitempty"`
}

// StreamMetadata is the parsed content of a metastream event.
type StreamMetadata struct {
	MaxCount       *int64     `json:"$maxCount,omitempty"`
	MaxAge         *int64     `json:"$maxAge,omitempty"`
	TruncateBefore *int64     `json:"$tb,omitempty"`
	CacheControl   *int64     `json:"$cacheControl,omitempty"`
	ACL            *StreamACL `json:"$acl,omitempty"`
}

// ParseStreamMetadata decodes metadata JSON.
func ParseStreamMetadata(data []byte) (StreamMetadata, error) {
	var md StreamMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return StreamMetadata{}, fmt.Errorf("invalid stream metadata: %w", err)
	}
	return md, nil
}

// SystemSettings are the default ACLs for user and system streams.
type SystemSettings struct {
	UserStreamACL   *StreamACL `json:"$userStreamAcl,omitempty"`
	SystemStreamACL *StreamACL `json:"$systemStreamAcl,omitempty"`
}

// DefaultSystemSettings is used until a $settings event is indexed.
var DefaultSystemSettings = SystemSettings{
	UserStreamACL: &StreamACL{
		Read:      []string{"$all"},
		Write:     []string{"$all"},
		Delete:    []string{"$all"},
		MetaRead:  []string{"$all"},
		MetaWrite: []string{"$all"},
	},
	SystemStreamACL: &StreamACL{
		Read:      []string{"$admins"},
		Write:     []string{"$admins"},
		Delete:    []string{"$admins"},
		MetaRead:  []string{"$admins"},
		MetaWrite: []string{"$admins"},
	},
}

// ParseSystemSettings decodes the JSON payload of a $settings event.
func ParseSystemSettings(data []byte) (SystemSettings, error) {
	var s SystemSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return SystemSettings{}, fmt.Errorf("invalid system settings: %w", err)
	}
	return s, nil
}
