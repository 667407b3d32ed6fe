package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/yetog/spritegen/cache"
	"github.com/yetog/spritegen/generation"
	"github.com/yetog/spritegen/personas"
	"github.com/yetog/spritegen/sprites"
	"github.com/yetog/spritegen/training"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.Default())

	var cacheClient *redis.Client
	if client, err := cache.Client(); err != nil {
		log.Printf("cache unavailable, style lookups go to the database: %v", err)
	} else {
		cacheClient = client
	}

	personaModule, err := personas.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register persona routes: %v", err)
	}

	spriteModule, err := sprites.RegisterRoutes(r, personaModule.Service())
	if err != nil {
		log.Fatalf("register sprite routes: %v", err)
	}

	trainingModule, err := training.RegisterRoutes(r, cacheClient)
	if err != nil {
		log.Fatalf("register training routes: %v", err)
	}

	if _, err := generation.RegisterRoutes(r, personaModule.Service(), trainingModule.Enhancer(), spriteModule.DB()); err != nil {
		log.Fatalf("register generation routes: %v", err)
	}

	r.GET("/health", func(c *gin.Context) {
		dbStatus := "ok"
		if err := personaModule.Service().Ping(c.Request.Context()); err != nil {
			dbStatus = "unavailable"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"database":       dbStatus,
			"generative_api": strings.TrimSpace(os.Getenv("IONOS_API_KEY")) != "",
			"cache":          cacheClient != nil,
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
