package sidechannel

import (
	"encoding/json"

	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/pathctx"
)

// Payload keys with a fixed meaning.
const (
	KeyName            = "name"
	KeyContext         = "context"
	KeyComment         = "comment"
	KeyDependencyIDs   = "dependency_ids"
	KeyDependencyPaths = "dependency_paths"
	KeyTempFiles       = "temp_files"
	KeyMedia           = "media"
)

// Publish is a decoded publish payload.
type Publish struct {
	Name            string
	Context         *pathctx.Context
	Comment         string
	HasComment      bool
	DependencyIDs   []int
	DependencyPaths []string
	TempFiles       []string

	// Fields are the remaining keys, copied onto the created entity
	Fields map[string]any
}

// ParsePublish splits a publish payload. A nil payload yields an empty
// Publish.
func ParsePublish(payload map[string]any) *Publish {
	p := &Publish{Fields: make(map[string]any)}
	for k, v := range payload {
		switch k {
		case KeyName:
			p.Name, _ = v.(string)
		case KeyContext:
			p.Context, _ = pathctx.FromValue(v)
		case KeyComment:
			p.Comment, p.HasComment = v.(string)
		case KeyDependencyIDs:
			for _, item := range asList(v) {
				if id, ok := entity.AsInt(item); ok {
					p.DependencyIDs = append(p.DependencyIDs, id)
				}
			}
		case KeyDependencyPaths:
			p.DependencyPaths = asStrings(v)
		case KeyTempFiles:
			p.TempFiles = asStrings(v)
		default:
			p.Fields[k] = v
		}
	}
	return p
}

// Review is a decoded review payload.
type Review struct {
	// Media is a local file to upload onto the review record
	Media     string
	TempFiles []string

	// Fields are the remaining keys, copied onto the review record
	Fields map[string]any

	key string
}

// ParseReview splits a review payload. It returns nil for a nil payload.
func ParseReview(payload map[string]any) *Review {
	if payload == nil {
		return nil
	}
	r := &Review{Fields: make(map[string]any)}
	grouped := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case KeyTempFiles:
			r.TempFiles = asStrings(v)
			continue
		case KeyMedia:
			r.Media, _ = v.(string)
		default:
			r.Fields[k] = v
		}
		grouped[k] = v
	}
	// encoding/json writes map keys sorted, so equal payloads encode equally.
	if data, err := json.Marshal(grouped); err == nil {
		r.key = string(data)
	}
	return r
}

// GroupKey identifies reviews with structurally equal payloads. Temporary
// file lists do not take part.
func (r *Review) GroupKey() string {
	return r.key
}

func asList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out
	}
	return nil
}

func asStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
