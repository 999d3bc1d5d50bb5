// Command tenant-token mints a tenant API token. It prints the plaintext
// token once along with the hash the server stores, and can insert the
// tenant directly when DATABASE_URL is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/openclaw/kiosk-pairing-go/internal/config"
	"github.com/openclaw/kiosk-pairing-go/internal/database"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

const bcryptCost = 12

func main() {
	name := flag.String("name", "", "tenant display name")
	tenantID := flag.String("tenant-id", "", "tenant id (uuid); generated when empty")
	create := flag.Bool("create", false, "insert the tenant using DATABASE_URL")
	metricsPassword := flag.String("metrics-password", "", "print a bcrypt hash for METRICS_PASSWORD_HASH and exit")
	flag.Parse()

	if *metricsPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*metricsPassword), bcryptCost)
		if err != nil {
			fail("hash password: %v", err)
		}
		fmt.Println(string(hash))
		return
	}

	if strings.TrimSpace(*name) == "" {
		fmt.Fprintf(os.Stderr, "Usage: tenant-token -name <name> [-tenant-id <uuid>] [-create]\n")
		os.Exit(1)
	}

	id := *tenantID
	if id == "" {
		id = uuid.NewString()
	} else if !util.IsValidUUID(id) {
		fail("tenant id must be a uuid")
	}

	token, err := util.GenerateToken()
	if err != nil {
		fail("generate token: %v", err)
	}
	hash := util.HashToken(token)

	fmt.Printf("tenant id:  %s\n", id)
	fmt.Printf("api token:  %s\n", token)
	fmt.Printf("token hash: %s\n", hash)

	if !*create {
		fmt.Printf("\nINSERT INTO tenants (id, name, api_token_hash) VALUES ('%s', '%s', '%s');\n",
			id, strings.ReplaceAll(*name, "'", "''"), hash)
		return
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fail("DATABASE_URL is required with -create")
	}
	db, err := database.Connect(dsn)
	if err != nil {
		fail("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()

	tenant, err := repository.NewTenantRepository(db.DB).Create(ctx, id, *name, hash)
	if err != nil {
		fail("create tenant: %v", err)
	}
	fmt.Printf("\ncreated tenant %s (%s)\n", tenant.ID, tenant.Name)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
