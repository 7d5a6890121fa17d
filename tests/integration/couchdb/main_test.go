//go:build integration
// +build integration

package couchdb

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jrepp/corduroy/pkg/couch"
)

const (
	couchUser     = "admin"
	couchPassword = "password"
)

var (
	// Global test resources
	couchURL       string
	couchContainer testcontainers.Container
)

// TestMain starts a CouchDB container, or uses COUCHDB_URL when set, and
// runs the suite against it.
func TestMain(m *testing.M) {
	log.Println("🚀 Starting CouchDB integration tests")

	couchURL = os.Getenv("COUCHDB_URL")
	if couchURL == "" {
		url, err := startCouchDB()
		if err != nil {
			log.Printf("⚠️  Failed to start CouchDB container: %v\n", err)
			log.Println("⚠️  CouchDB tests will be skipped")
		}
		couchURL = url
	}

	code := m.Run()

	if couchContainer != nil {
		if err := testcontainers.TerminateContainer(couchContainer); err != nil {
			log.Printf("⚠️  Failed to terminate container: %v\n", err)
		}
	}

	log.Println("✓ Test teardown complete")
	os.Exit(code)
}

func startCouchDB() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     couchUser,
			"COUCHDB_PASSWORD": couchPassword,
		},
		WaitingFor: wait.ForHTTP("/_up").
			WithPort("5984/tcp").
			WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	couchContainer = c

	endpoint, err := c.PortEndpoint(ctx, "5984/tcp", "http")
	if err != nil {
		return "", fmt.Errorf("failed to get endpoint: %w", err)
	}
	log.Printf("✓ CouchDB available at %s\n", endpoint)

	// A single node needs its system databases before _changes works.
	client, err := newClientFor(endpoint)
	if err != nil {
		return "", err
	}
	for _, name := range []string{"_users", "_replicator"} {
		if _, err := client.EnsureDB(ctx, name); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", name, err)
		}
	}
	return endpoint, nil
}

func newClientFor(url string) (*couch.Client, error) {
	cfg := couch.DefaultConfig()
	cfg.BaseURL = url
	cfg.Username = couchUser
	cfg.Password = couchPassword
	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "couch-test",
		Level: hclog.Warn,
	})
	return couch.New(cfg)
}

// testDB creates a fresh database for t and removes it afterwards.
func testDB(t *testing.T) *couch.Database {
	t.Helper()
	if couchURL == "" {
		t.Skip("CouchDB not available")
	}

	client, err := newClientFor(couchURL)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	ids, err := client.UUIDs(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get uuid: %v", err)
	}
	name := "corduroy-test-" + ids[0]
	db, err := client.CreateDB(ctx, name)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		_ = client.DeleteDB(context.Background(), name)
	})
	return db
}
