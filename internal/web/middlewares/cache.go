package middleware

// The admin endpoints render the same answer for every request between two
// snapshot publishes, so responses are cached keyed by path plus snapshot
// generation. New generations use new keys and the LRU bound ages the old
// ones out.

import (
	"bytes"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru"
)

type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

// ResponseCache is an in-memory LRU of rendered responses.
type ResponseCache struct {
	cache      *lru.Cache
	generation func() uint64
}

// NewResponseCache sets up an in-memory LRU cache. generation should
// return the current snapshot generation; it scopes every key.
func NewResponseCache(size int, generation func() uint64) (*ResponseCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &ResponseCache{cache: cache, generation: generation}, nil
}

// Middleware serves cached GET responses and fills the cache on misses.
// Only successful responses are cached, so errors are never replayed.
func (c *ResponseCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		key := c.cacheKey(r)

		if hit, ok := c.cache.Get(key); ok {
			resp := hit.(*cachedResponse)
			w.Header().Set("Content-Type", resp.contentType)
			w.WriteHeader(resp.status)
			_, _ = w.Write(resp.body)

			return
		}

		rec := &recordingWriter{
			statusRecorder: statusRecorder{ResponseWriter: w, status: http.StatusOK},
		}
		next.ServeHTTP(rec, r)

		if rec.status == http.StatusOK {
			c.cache.Add(key, &cachedResponse{
				status:      rec.status,
				contentType: rec.Header().Get("Content-Type"),
				body:        rec.body.Bytes(),
			})
		}
	})
}

func (c *ResponseCache) cacheKey(r *http.Request) string {
	return fmt.Sprintf("%s:%d", r.URL.Path, c.generation())
}

// recordingWriter tees the response body for the cache.
type recordingWriter struct {
	statusRecorder
	body bytes.Buffer
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
