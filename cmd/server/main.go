package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"syncwire/internal/config"
	"syncwire/internal/livequery"
	"syncwire/internal/logging"
	"syncwire/internal/router"
	"syncwire/internal/schema"
	"syncwire/internal/server"
	"syncwire/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.Setup(cfg.LogLevel)
	log.Printf("Config loaded (port: %d, dialect: %s)", cfg.Server.Port, cfg.Storage.Dialect)

	// 2. Declare the schema
	reg, err := buildRegistry()
	if err != nil {
		log.Fatalf("Failed to build schema registry: %v", err)
	}

	// 3. Connect to database and run migrations
	st, err := store.New(ctx, cfg.Storage, reg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	log.Println("Database ready")

	// 4. Mutation router over the store
	backend := router.StoreBackend{Store: st}
	rt := router.New(reg, backend)
	if err := mountRoutes(rt); err != nil {
		log.Fatalf("Failed to mount routes: %v", err)
	}

	// 5. Live query engine and ordered fan-out
	engine := livequery.New(reg, backend, livequery.Options{})
	hub := server.NewHub(engine)
	st.SetNotifier(hub)
	go hub.Run()
	defer hub.Close()

	// 6. Fiber app with the websocket sync endpoint
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	srv := &server.Server{
		Router:   rt,
		Engine:   engine,
		Provider: server.JWTContextProvider(cfg.JWTSecret),
	}
	srv.Register(app, "/sync")

	// 7. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

// buildRegistry declares the demo schema: users with their posts.
func buildRegistry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	reg.AddEntity(&schema.Entity{Name: "users", Fields: []schema.Field{
		{Name: "name", Type: schema.TypeString},
		{Name: "role", Type: schema.TypeString},
	}})
	reg.AddEntity(&schema.Entity{Name: "posts", Fields: []schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "body", Type: schema.TypeString},
		{Name: "authorId", Type: schema.TypeReference, References: "users"},
	}})
	if err := reg.AddRelation(&schema.Relation{
		Name: "author", Kind: schema.One, Source: "posts",
		Target: "users", Column: "authorId",
	}); err != nil {
		return nil, err
	}
	if err := reg.AddRelation(&schema.Relation{
		Name: "posts", Kind: schema.Many, Source: "users",
		Target: "posts", Column: "authorId",
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

type createPostInput struct {
	ID       string `json:"id" validate:"required"`
	Title    string `json:"title" validate:"required,max=200"`
	Body     string `json:"body"`
	AuthorID string `json:"authorId" validate:"required"`
}

// mountRoutes wires the demo authorization policies and custom mutations.
func mountRoutes(rt *router.Router) error {
	if err := rt.Mount(&router.Route{
		Resource: "users",
		Auth: router.Auth{
			Read:      router.ExprPolicy(`context.userId != nil`),
			Insert:    router.ExprPolicy(`context.role == "admin"`),
			UpdatePre: router.ExprPolicy(`context.userId == record.id || context.role == "admin"`),
		},
	}); err != nil {
		return err
	}

	createPost := &router.Mutation{
		Validate: schema.NewStructValidator(createPostInput{}),
		Handler: func(ctx context.Context, req *router.Request, db *router.DB) (any, error) {
			input := req.Input.(createPostInput)
			return db.Collection("posts").Insert(ctx, input.ID, map[string]any{
				"title":    input.Title,
				"body":     input.Body,
				"authorId": input.AuthorID,
			})
		},
	}

	return rt.Mount(&router.Route{
		Resource: "posts",
		Auth: router.Auth{
			Read:       router.ExprPolicy(`context.userId != nil`),
			Insert:     router.ExprPolicy(`input.authorId == context.userId || context.role == "admin"`),
			UpdatePre:  router.ExprPolicy(`record.authorId == context.userId || context.role == "admin"`),
			UpdatePost: router.ExprPolicy(`record.authorId == context.userId || context.role == "admin"`),
		},
		Mutations: map[string]*router.Mutation{"createPost": createPost},
	})
}
