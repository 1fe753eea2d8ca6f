package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/joho/godotenv"
	"github.com/mesikahq/emr-bridge/internal/audit"
	"github.com/mesikahq/emr-bridge/internal/auth"
	"github.com/mesikahq/emr-bridge/internal/database"
)

func main() {
	// Parse command line flags
	username := flag.String("username", "", "API username")
	password := flag.String("password", "", "API password")
	roles := flag.String("roles", auth.RoleAdmin, "Comma-separated roles (admin, staff)")
	flag.Parse()

	if *username == "" || *password == "" {
		log.Fatal("Username and password are required. Use -username and -password flags")
	}

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Error loading .env file: %v", err)
	}

	// Audit logging is optional here; a missing Elasticsearch just means the
	// user creation is not audited.
	auditService := audit.NewNop()
	if url := os.Getenv("ELASTICSEARCH_URL"); url != "" {
		cfg := elasticsearch.Config{
			Addresses: []string{url},
			Username:  os.Getenv("ELASTICSEARCH_USERNAME"),
			Password:  os.Getenv("ELASTICSEARCH_PASSWORD"),
		}
		esClient, err := elasticsearch.NewClient(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Elasticsearch: %v", err)
		}
		auditService = audit.NewService(esClient)
	}

	// Initialize PostgreSQL connection
	postgresConfig := database.PostgresConfig{
		Host:        os.Getenv("POSTGRES_HOST"),
		Port:        5432, // Default PostgreSQL port
		Database:    os.Getenv("POSTGRES_DB"),
		User:        os.Getenv("POSTGRES_USER"),
		Password:    os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:     os.Getenv("POSTGRES_SSLMODE"),
		MaxPoolSize: 1,
		ConnTimeout: 5 * time.Second,
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, postgresConfig)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer database.Disconnect(db)

	// Initialize auth service
	authConfig := auth.Config{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		TokenExpiry: 24 * time.Hour,
	}
	authService := auth.NewService(db, auditService, authConfig)

	// Initialize database schema
	if err := authService.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize database schema: %v", err)
	}

	roleList := strings.Split(*roles, ",")
	for i := range roleList {
		roleList[i] = strings.TrimSpace(roleList[i])
	}

	user, err := authService.Register(ctx, *username, *password, roleList)
	if err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	fmt.Printf("Successfully created user:\n")
	fmt.Printf("ID: %s\n", user.ID)
	fmt.Printf("Username: %s\n", user.Username)
	fmt.Printf("Roles: %v\n", user.Roles)
}
