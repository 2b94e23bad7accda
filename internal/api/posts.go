package api

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stockfeed/stockfeed/internal/service"
)

func postID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: post id %q", service.ErrInvalidInput, c.Param("id"))
	}
	return id, nil
}

func author(c *gin.Context) (string, error) {
	user := c.GetHeader(UserHeader)
	if user == "" {
		return "", ErrUnauthorized
	}
	return user, nil
}

// bind decodes the JSON body into dest. An empty body leaves dest untouched.
func bind(c *gin.Context, dest interface{}) error {
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

// authorAndID reads the caller and the post id every post write needs
func authorAndID(c *gin.Context) (string, int64, error) {
	user, err := author(c)
	if err != nil {
		return "", 0, err
	}
	id, err := postID(c)
	if err != nil {
		return "", 0, err
	}
	return user, id, nil
}

func (r *Router) getPost(c *gin.Context) (interface{}, error) {
	id, err := postID(c)
	if err != nil {
		return nil, err
	}
	return r.Posts.Get(c.Request.Context(), id)
}

func (r *Router) createPost(c *gin.Context) (interface{}, error) {
	user, err := author(c)
	if err != nil {
		return nil, err
	}
	var in service.CreatePostInput
	if err := bind(c, &in); err != nil {
		return nil, err
	}
	post, err := r.Posts.CreatePost(c.Request.Context(), user, in)
	if err != nil {
		return nil, err
	}
	return created{body: post}, nil
}

func (r *Router) updatePost(c *gin.Context) (interface{}, error) {
	user, id, err := authorAndID(c)
	if err != nil {
		return nil, err
	}
	var in service.UpdatePostInput
	if err := bind(c, &in); err != nil {
		return nil, err
	}
	return r.Posts.UpdatePost(c.Request.Context(), user, id, in)
}

func (r *Router) deletePost(c *gin.Context) (interface{}, error) {
	user, id, err := authorAndID(c)
	if err != nil {
		return nil, err
	}
	return nil, r.Posts.DeletePost(c.Request.Context(), user, id)
}

func (r *Router) averageDown(c *gin.Context) (interface{}, error) {
	user, id, err := authorAndID(c)
	if err != nil {
		return nil, err
	}
	var in service.AverageDownInput
	if err := bind(c, &in); err != nil {
		return nil, err
	}
	return r.Posts.AverageDown(c.Request.Context(), user, id, in)
}

func (r *Router) closePosition(c *gin.Context) (interface{}, error) {
	user, id, err := authorAndID(c)
	if err != nil {
		return nil, err
	}
	var in service.ClosePositionInput
	if err := bind(c, &in); err != nil {
		return nil, err
	}
	return r.Posts.ClosePosition(c.Request.Context(), user, id, in)
}

func (r *Router) recordView(c *gin.Context) (interface{}, error) {
	id, err := postID(c)
	if err != nil {
		return nil, err
	}
	return nil, r.Posts.RecordView(c.Request.Context(), id)
}

func (r *Router) like(c *gin.Context) (interface{}, error) {
	id, err := postID(c)
	if err != nil {
		return nil, err
	}
	return nil, r.Posts.Like(c.Request.Context(), id)
}
