package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/david/hazard-ingest/internal/auth"
)

func main() {
	subject := flag.String("sub", "", "Operator name recorded in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()
	godotenv.Load()

	secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	if secret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}
	if *subject == "" {
		fmt.Println("Please provide an operator name using -sub flag")
		os.Exit(1)
	}

	tokens, err := auth.NewTokens(secret)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	token, err := tokens.Issue(*subject, auth.RoleAdmin, *ttl)
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
