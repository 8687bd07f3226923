// Package model defines the data types shared across the harvester: the
// upstream entities (User, MediaItem, Post), the iterator's durable
// checkpoint shape, and the closed set of collection targets.
package model

import "time"

// MediaType identifies whether a MediaItem is a still picture or a video.
type MediaType string

const (
	MediaPicture MediaType = "picture"
	MediaVideo   MediaType = "video"
)

// User is the author of a Post.
type User struct {
	UID       string
	Nickname  string
	AvatarURL string
	Raw       map[string]any
}

// MediaItem is a single picture or video reference extracted from a Post.
type MediaItem struct {
	MediaType    MediaType
	URL          string
	Index        int
	FilenameHint string
	Raw          map[string]any
}

// Post is one upstream post (a "weibo"/"mblog").
//
// Mid is stable across pages and re-fetches: two Posts sharing a Mid are
// the same logical post.
type Post struct {
	Mid        string
	Bid        string
	Text       string
	CreatedAt  time.Time
	User       *User
	MediaItems []MediaItem
	Raw        map[string]any
}

// CursorState is the durable snapshot of a Cursor Iterator, scoped by
// target key and options hash. OptionsHash must match the current run's
// hash or the checkpoint is discarded by the Checkpoint Manager.
type CursorState struct {
	Page        int      `json:"page"`
	Cursor      *string  `json:"cursor"`
	SeenMids    []string `json:"seen_mids"`
	OptionsHash string   `json:"options_hash"`
	Timestamp   string   `json:"timestamp"`
}

// TargetKind discriminates the TargetSpec union.
type TargetKind string

const (
	TargetUser       TargetKind = "user"
	TargetSuperTopic TargetKind = "supertopic"
	TargetSearch     TargetKind = "search"
	TargetMid        TargetKind = "mid"
)

// TargetSpec is a closed, tagged-variant collection target. Modeled as a
// discriminated union (a Kind field plus the fields relevant to that
// kind) rather than an interface hierarchy with virtual dispatch, so
// serialization into stamp and checkpoint keys stays trivial.
type TargetSpec struct {
	Kind TargetKind

	// UserTarget
	Identifier string
	IsUID      bool

	// SuperTopicTarget
	IsContainerID bool

	// SearchTarget
	Keyword string

	// MidTarget
	Mid string
}

func NewUserTarget(identifier string, isUID bool) TargetSpec {
	return TargetSpec{Kind: TargetUser, Identifier: identifier, IsUID: isUID}
}

func NewSuperTopicTarget(identifier string, isContainerID bool) TargetSpec {
	return TargetSpec{Kind: TargetSuperTopic, Identifier: identifier, IsContainerID: isContainerID}
}

func NewSearchTarget(keyword string) TargetSpec {
	return TargetSpec{Kind: TargetSearch, Keyword: keyword}
}

func NewMidTarget(mid string) TargetSpec {
	return TargetSpec{Kind: TargetMid, Mid: mid}
}

// Key returns the canonical target key used as the stamps map key and
// (hashed) checkpoint filename.
func (t TargetSpec) Key() string {
	switch t.Kind {
	case TargetUser:
		return "u:" + t.Identifier
	case TargetSuperTopic:
		return "t:" + t.Identifier
	case TargetSearch:
		return "s:" + t.Keyword
	case TargetMid:
		return "m:" + t.Mid
	default:
		return string(t.Kind)
	}
}

// SuperTopic is a resolved super-topic container.
type SuperTopic struct {
	ContainerID string
	Name        string
	Raw         map[string]any
}
