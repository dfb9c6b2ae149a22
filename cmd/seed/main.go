package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/brokercall/internal/config"
	"github.com/xtrntr/brokercall/internal/db"
)

type seedUser struct {
	name        string
	username    string
	password    string
	phoneNumber string
	cash        string
}

// Seed the database with demo accounts. Registration is not part of the API
// surface, so this is the only way users come into existence.
func main() {
	cfg := config.Load()

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	var count int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		log.Fatalf("Failed to check users: %v", err)
	}
	if count > 0 {
		fmt.Printf("Database already has %d users. No need to seed.\n", count)
		os.Exit(0)
	}

	users := []seedUser{
		{"Alice", "alice", "password1", "+15550100001", "10000.00"},
		{"Bob", "bob", "password2", "+15550100002", "25000.00"},
	}

	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash password for %s: %v", u.username, err)
		}
		var userID int
		err = database.Pool.QueryRow(ctx,
			`INSERT INTO users (name, username, password_hash, phone_number, cash_balance)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			u.name, u.username, string(hash), u.phoneNumber, u.cash).Scan(&userID)
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", u.username, err)
		}
		fmt.Printf("Created user %s (id=%d) with $%s cash\n", u.username, userID, u.cash)
	}

	fmt.Println("Successfully seeded the database!")
}
