package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// queryTime parses an RFC 3339 timestamp or a plain date in loc. Unparseable
// values are ignored. A plain date used as an upper bound covers the whole day.
func queryTime(c *gin.Context, key string, loc *time.Location, endOfDay bool) time.Time {
	v := c.Query(key)
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t
}

func queryPage(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
