package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

const defaultPprofPrefix = "/debug/pprof/"

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultPprofPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// mountPprof serves the runtime profiles under prefix. Named profiles
// (heap, goroutine, ...) go through pprof.Handler so any prefix works.
func mountPprof(r *gin.Engine, prefix string, guard gin.HandlerFunc) {
	base := strings.TrimSuffix(prefix, "/")
	g := r.Group(base, guard)
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
	r.GET(base, func(c *gin.Context) {
		c.Redirect(http.StatusPermanentRedirect, prefix)
	})
}
