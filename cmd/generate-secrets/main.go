package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/assocevents/registration-backend/internal/utils"
)

func main() {
	var adminPassword string
	flag.StringVar(&adminPassword, "admin-password", "", "also print a bcrypt ADMIN_PASSWORD_HASH for this password")
	flag.Parse()

	jwtSecret, sharedSecret, err := utils.GenerateServiceSecrets()
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("Add these to your .env file or deployment secrets:")
	fmt.Println()
	fmt.Printf("JWT_SECRET=%s\n", jwtSecret)
	fmt.Printf("PAYMENT_SHARED_SECRET=%s\n", sharedSecret)

	if adminPassword != "" {
		hash, err := utils.HashAdminPassword(adminPassword)
		if err != nil {
			log.Fatalf("Failed to hash admin password: %v", err)
		}
		fmt.Printf("ADMIN_PASSWORD_HASH=%s\n", hash)
	}

	fmt.Println()
	fmt.Println("Keep these safe and never commit them to version control.")
}
