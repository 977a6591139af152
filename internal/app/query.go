package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

// MaxQueryLimit caps QueryImages results.
const MaxQueryLimit = 500

// ImageView is the client-facing form of an image.
type ImageView struct {
	ID         model.Ref         `json:"id"`
	CarID      model.Ref         `json:"car_id,omitempty"`
	URL        string            `json:"url"`
	Filename   string            `json:"filename,omitempty"`
	State      string            `json:"state"`
	Pattern    string            `json:"pattern"`
	Processing string            `json:"processing,omitempty"`
	TopLevel   map[string]string `json:"top_level"`
	Nested     map[string]string `json:"nested,omitempty"`
	UpdatedAt  *time.Time        `json:"updated_at,omitempty"`
}

func tupleMap(t metadata.Tuple) map[string]string {
	out := make(map[string]string, len(t))
	for f, v := range t {
		out[string(f)] = v
	}
	return out
}

func NewImageView(img model.Image) ImageView {
	v := ImageView{
		ID:         img.ID,
		CarID:      img.CarID,
		URL:        img.URL,
		Filename:   img.Filename,
		State:      metadata.Classify(img).State().String(),
		Pattern:    metadata.PresencePattern(img),
		Processing: img.Processing(),
		TopLevel:   tupleMap(metadata.TopLevel(img)),
	}
	if nested := metadata.Nested(img); len(nested) > 0 {
		v.Nested = tupleMap(nested)
	}
	if !img.UpdatedAt.IsZero() {
		t := img.UpdatedAt
		v.UpdatedAt = &t
	}
	return v
}

// QueryParams is an untyped filter request as received by a surface.
type QueryParams struct {
	CarID   string
	Filters map[string]string
	Search  string
	Limit   int64
}

type QueryResult struct {
	Filter string      `json:"filter"`
	Count  int         `json:"count"`
	Total  int64       `json:"total"`
	Images []ImageView `json:"images"`
	// Unknown lists filters whose value is outside the vocabulary; such a
	// request matches nothing.
	Unknown []string `json:"unknown,omitempty"`
}

// ParseQuery validates p into a query request. Unknown field names and
// malformed car ids are errors.
func ParseQuery(p QueryParams) (query.Request, error) {
	var req query.Request
	if strings.TrimSpace(p.CarID) != "" {
		ref, err := model.ParseRef(p.CarID)
		if err != nil {
			return req, err
		}
		req.CarID = ref
	}
	filters, err := query.ParseFilters(p.Filters)
	if err != nil {
		return req, err
	}
	req.Filters = filters
	req.Search = p.Search
	return req, nil
}

// QueryImages runs a filter request, newest first.
func (a *App) QueryImages(ctx context.Context, p QueryParams) (*QueryResult, error) {
	req, err := ParseQuery(p)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	b := a.Builder()
	pred := b.Build(req)
	res := &QueryResult{Filter: pred.String(), Images: []ImageView{}}
	for _, f := range b.Unknown(req) {
		res.Unknown = append(res.Unknown, string(f))
	}

	total, err := a.Store.CountImages(ctx, pred)
	if err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}
	res.Total = total

	images, err := a.Store.FindImages(ctx, pred, store.FindOptions{
		Limit: limit,
		Sort:  []store.SortKey{{Path: model.PathUpdatedAt, Desc: true}, {Path: model.PathID}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	for _, img := range images {
		res.Images = append(res.Images, NewImageView(img))
	}
	res.Count = len(res.Images)
	return res, nil
}

// Classification explains how one image is stored.
type Classification struct {
	ImageView
	Derived     bool                   `json:"derived"`
	OriginalRef model.Ref              `json:"original_ref,omitempty"`
	Defects     []metadata.ValueDefect `json:"defects,omitempty"`
}

func (a *App) Classify(ctx context.Context, id string) (*Classification, error) {
	ref, err := model.ParseRef(id)
	if err != nil {
		return nil, err
	}
	img, err := a.Store.GetImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Classification{
		ImageView:   NewImageView(img),
		Derived:     metadata.IsDerived(img),
		OriginalRef: metadata.DirectOriginalRef(img),
		Defects:     metadata.AuditValues(img, a.Rules().Vocabulary),
	}, nil
}
