package http

import (
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/abhang-atish/colyseus/internal/adapters/ws"
	"github.com/abhang-atish/colyseus/internal/config"
)

// Room ids stay inside the URL path grammar.
var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func SetupRouter(cfg *config.Config, ctl *ws.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/matchmake/:method/:name", func(c *gin.Context) {
		ctl.HandleMatchmake(c, c.Param("method"), c.Param("name"))
	})

	// The room-join path /<name>/<roomId> would conflict with the route
	// above in the tree, so it is resolved from the fallback. Matchmake
	// requests may also arrive under an arbitrary leading segment.
	r.NoRoute(func(c *gin.Context) {
		segments := strings.Split(strings.Trim(c.Request.URL.Path, "/"), "/")
		n := len(segments)
		switch {
		case n >= 3 && segments[n-3] == "matchmake":
			ctl.HandleMatchmake(c, segments[n-2], segments[n-1])
		case n == 2 && roomIDPattern.MatchString(segments[1]):
			ctl.HandleRoomJoin(c, segments[0], segments[1])
		default:
			c.Status(404)
		}
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
