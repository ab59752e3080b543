// Command relayctl administers a relay database from the command line:
// user provisioning, API key lifecycle, labels and mailbox export.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"relay/internal/export"
	"relay/internal/models"
	"relay/internal/store"
	"relay/internal/vault"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relayctl -db <path> <command> [args]

commands:
  user create -token <oidc-id-token> | -issuer <iss> -subject <sub> -address <addr>
  user add-address <user-id> <address>
  key create -name <name> -scopes <scope,scope,...> <user-id>
  key list <user-id>
  key revoke <user-id> <key-id>
  label create <user-id> <name> <color>
  label list <user-id>
  export mbox <user-id>`)
	os.Exit(2)
}

func main() {
	dbPath := flag.String("db", "relay.db", "path to the SQLite database")
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	st, err := store.Open(*dbPath, nil)
	if err != nil {
		log.Fatalf("failed to open mailbox store: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] + " " + args[1] {
	case "user create":
		userCreate(ctx, st, args[2:])
	case "user add-address":
		if len(args) != 4 {
			usage()
		}
		if err := st.AddUserAddress(ctx, args[2], args[3]); err != nil {
			log.Fatalf("failed to add address: %v", err)
		}
	case "key create":
		keyCreate(ctx, st, args[2:])
	case "key list":
		if len(args) != 3 {
			usage()
		}
		keyList(ctx, st, args[2])
	case "key revoke":
		if len(args) != 4 {
			usage()
		}
		keyID, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			log.Fatalf("invalid key id %q", args[3])
		}
		if err := st.RevokeAPIKey(ctx, args[2], keyID); err != nil {
			log.Fatalf("failed to revoke key: %v", err)
		}
	case "label create":
		if len(args) != 5 {
			usage()
		}
		label := &models.Label{UserID: args[2], Name: args[3], Color: args[4]}
		if err := st.CreateLabel(ctx, label); err != nil {
			log.Fatalf("failed to create label: %v", err)
		}
		fmt.Printf("label %d created\n", label.ID)
	case "label list":
		if len(args) != 3 {
			usage()
		}
		labels, err := st.LabelsByUser(ctx, args[2])
		if err != nil {
			log.Fatalf("failed to list labels: %v", err)
		}
		for _, l := range labels {
			fmt.Printf("%d\t%s\t%s\n", l.ID, l.Name, l.Color)
		}
	case "export mbox":
		if len(args) != 3 {
			usage()
		}
		exportMbox(ctx, st, args[2])
	default:
		usage()
	}
}

// userCreate provisions an account either from an OIDC ID token or from
// explicit issuer/subject/address flags.
func userCreate(ctx context.Context, st *store.Store, args []string) {
	fs := flag.NewFlagSet("user create", flag.ExitOnError)
	token := fs.String("token", "", "OIDC ID token to provision from")
	issuer := fs.String("issuer", "", "OIDC issuer")
	subject := fs.String("subject", "", "OIDC subject")
	address := fs.String("address", "", "primary email address")
	_ = fs.Parse(args)

	iss, sub, addr := *issuer, *subject, *address
	if *token != "" {
		identity, err := vault.ParseIdentity(*token)
		if err != nil {
			log.Fatalf("failed to parse token: %v", err)
		}
		iss, sub = identity.Issuer, identity.Subject
		if addr == "" {
			addr = identity.Email
		}
	}
	if iss == "" || sub == "" || addr == "" {
		log.Fatal("user create requires issuer, subject and address")
	}

	user, err := st.GetOrCreateUser(ctx, iss, sub, addr)
	if err != nil {
		log.Fatalf("failed to create user: %v", err)
	}
	fmt.Printf("user %s (%s)\n", user.ID, user.PrimaryAddress)
}

// keyCreate generates a new API key and prints the plaintext. This is
// the only time the secret is ever available.
func keyCreate(ctx context.Context, st *store.Store, args []string) {
	fs := flag.NewFlagSet("key create", flag.ExitOnError)
	name := fs.String("name", "cli", "display name for the key")
	scopes := fs.String("scopes", models.ScopeIMAP, "comma-separated scope list")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		usage()
	}

	v := vault.New(st, nil)
	defer v.Close()

	plaintext, prefix, hash, err := v.Generate()
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	key := &models.APIKey{
		UserID:    rest[0],
		Name:      *name,
		KeyPrefix: prefix,
		KeyHash:   hash,
		Scopes:    strings.Split(*scopes, ","),
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		log.Fatalf("failed to store key: %v", err)
	}

	fmt.Printf("key %d (%s) created\n", key.ID, key.KeyPrefix)
	fmt.Printf("secret (shown once): %s\n", plaintext)
}

func keyList(ctx context.Context, st *store.Store, userID string) {
	keys, err := st.ActiveAPIKeys(ctx, userID)
	if err != nil {
		log.Fatalf("failed to list keys: %v", err)
	}
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Printf("%d\t%s\t%s\t[%s]\t%s\n",
			k.ID, k.KeyPrefix, k.Name, strings.Join(k.Scopes, ","), lastUsed)
	}
}

// exportMbox streams the user's mailbox to stdout in mbox format.
func exportMbox(ctx context.Context, st *store.Store, userID string) {
	err := st.ForEachEmail(ctx, userID, func(e *models.Email) error {
		msg := export.BuildMessage(e, userID)
		return export.WriteMBOX(os.Stdout, e.FromAddress, e.ReceivedAt, msg)
	})
	if err != nil {
		log.Fatalf("failed to export mailbox: %v", err)
	}
}
