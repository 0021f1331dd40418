package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// WithCache serves repeat requests for the same image content, model, and
// prompt from an in-memory LRU instead of calling the backend again. Keys
// hash the file content, so a re-extracted identical frame still hits.
func WithCache(size int) Middleware {
	if size <= 0 {
		size = 256
	}
	return func(next Describer) Describer {
		cache, err := lru.New[string, *Response](size)
		if err != nil {
			return next
		}
		return &cached{next: next, cache: cache}
	}
}

type cached struct {
	next  Describer
	cache *lru.Cache[string, *Response]
}

func (c *cached) Name() string                         { return c.next.Name() }
func (c *cached) Close() error                         { return c.next.Close() }
func (c *cached) IsAvailable(ctx context.Context) bool { return c.next.IsAvailable(ctx) }

func (c *cached) Describe(ctx context.Context, req Request) (*Response, error) {
	key, ok := c.key(req)
	if ok {
		if resp, hit := c.cache.Get(key); hit {
			return resp, nil
		}
	}
	resp, err := c.next.Describe(ctx, req)
	if err != nil {
		return nil, err
	}
	if ok {
		c.cache.Add(key, resp)
	}
	return resp, nil
}

// key digests image content + call parameters. An unreadable file disables
// caching for that call rather than failing it; the backend will report the
// real error.
func (c *cached) key(req Request) (string, bool) {
	f, err := os.Open(req.ItemPath)
	if err != nil {
		return "", false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", false
	}
	h.Write([]byte("\x00" + req.Model + "\x00" + req.Prompt + "\x00" + req.Context))
	return hex.EncodeToString(h.Sum(nil)), true
}
