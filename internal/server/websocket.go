package server

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"syncwire/internal/livequery"
	"syncwire/internal/router"
)

// Server binds the mutation router and the live query engine to a websocket
// endpoint. Provider is optional; without it sessions run with an empty
// request context.
type Server struct {
	Router   *router.Router
	Engine   *livequery.Engine
	Provider ContextProvider
}

const localsContextKey = "syncContext"

// Register mounts the sync endpoint on a fiber app. The upgrade middleware
// resolves the request context while the HTTP request is still available;
// the websocket handler then runs the session over the upgraded connection.
func (s *Server) Register(app *fiber.App, path string) {
	app.Use(path, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		reqCtx := map[string]any{}
		if s.Provider != nil {
			var err error
			reqCtx, err = s.Provider(transportParams(c))
			if err != nil {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
		}
		c.Locals(localsContextKey, reqCtx)
		return c.Next()
	})

	app.Get(path, websocket.New(func(conn *websocket.Conn) {
		reqCtx, _ := conn.Locals(localsContextKey).(map[string]any)
		sess := NewSession(conn, s.Router, s.Engine, reqCtx)
		sess.Run(context.Background())
	}))
}

func transportParams(c *fiber.Ctx) TransportParams {
	p := TransportParams{
		Headers: make(map[string]string),
		Cookies: make(map[string]string),
		Query:   make(map[string]string),
	}
	c.Request().Header.VisitAll(func(k, v []byte) {
		p.Headers[string(k)] = string(v)
	})
	c.Request().Header.VisitAllCookie(func(k, v []byte) {
		p.Cookies[string(k)] = string(v)
	})
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		p.Query[string(k)] = string(v)
	})
	return p
}
