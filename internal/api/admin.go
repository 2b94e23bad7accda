package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stockfeed/stockfeed/internal/invalidate"
)

type revalidateRequest struct {
	Path string `json:"path"`
}

type rebuildResponse struct {
	TotalPosts  int       `json:"totalPosts"`
	Prices      int       `json:"prices"`
	LastUpdated time.Time `json:"lastUpdated"`
	Revalidated bool      `json:"revalidated"`
}

func (r *Router) revalidate(c *gin.Context) (interface{}, error) {
	var req revalidateRequest
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	if r.Invalidator == nil {
		return invalidate.Result{Path: req.Path}, nil
	}
	return r.Invalidator.Invalidate(c.Request.Context(), req.Path), nil
}

func (r *Router) rebuild(c *gin.Context) (interface{}, error) {
	if r.PostSource == nil {
		return nil, NewError(http.StatusServiceUnavailable, "no post source configured")
	}
	ctx := c.Request.Context()
	doc, err := r.Feed.Rebuild(ctx, r.PostSource)
	if err != nil {
		return nil, err
	}

	resp := rebuildResponse{
		TotalPosts:  doc.TotalPosts,
		Prices:      len(doc.Prices),
		LastUpdated: doc.LastUpdated,
	}
	if r.Invalidator != nil {
		resp.Revalidated = r.Invalidator.Invalidate(ctx, invalidate.DefaultPath).Revalidated
	}
	return resp, nil
}

func (r *Router) updatePrices(c *gin.Context) (interface{}, error) {
	if r.Updater == nil {
		return nil, NewError(http.StatusServiceUnavailable, "price updater not configured")
	}
	return r.Updater.Run(c.Request.Context())
}
