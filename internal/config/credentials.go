package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Credentials holds the Gate.io API key pair.
type Credentials struct {
	APIKey    Secret
	SecretKey Secret
}

// LoadCredentials reads GATE_API_KEY and GATE_SECRET_KEY from the
// environment, loading a .env file from the working directory first if one
// exists. Both variables are required.
func LoadCredentials() (Credentials, error) {
	// Missing .env is fine, the variables may come from the real environment.
	_ = godotenv.Load()

	creds := Credentials{
		APIKey:    Secret(os.Getenv("GATE_API_KEY")),
		SecretKey: Secret(os.Getenv("GATE_SECRET_KEY")),
	}
	if creds.APIKey == "" {
		return Credentials{}, fmt.Errorf("GATE_API_KEY is not set")
	}
	if creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("GATE_SECRET_KEY is not set")
	}
	return creds, nil
}

// MaskedKey returns the API key with the middle hidden, safe for logs.
func (c Credentials) MaskedKey() string {
	return maskString(string(c.APIKey))
}
