package database

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultDatabase = "salmart"

var Client *mongo.Client
var DB *mongo.Database

// Connect opens the message database. dbName overrides the database named in the
// URI path; both empty means "salmart".
func Connect(mongoURI, dbName string) error {
	// Use longer timeout for Atlas connections
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(mongoURI)
	clientOptions.SetServerSelectionTimeout(10 * time.Second)

	log.Printf("Attempting to connect to MongoDB...")
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return err
	}

	// Ping the database with a separate context
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return err
	}

	Client = client
	if dbName == "" {
		dbName = DatabaseFromURI(mongoURI)
	}
	DB = client.Database(dbName)

	log.Printf("✅ Connected to MongoDB (database %s)", dbName)
	return nil
}

// DatabaseFromURI returns the database named in the URI path, or "salmart".
func DatabaseFromURI(mongoURI string) string {
	u, err := url.Parse(mongoURI)
	if err != nil {
		return defaultDatabase
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return defaultDatabase
}

// MaskURI hides the password of a connection string for logging.
func MaskURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func Disconnect() error {
	if Client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return Client.Disconnect(ctx)
}
