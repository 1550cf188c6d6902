package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/togglez/internal/repository"
)

const apiKeyUsage = "usage: togglez apikey create -name NAME | list | revoke -id ID"

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

func runAPIKey(args []string) error {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required to manage API keys")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, slog.Default()); err != nil {
		return err
	}

	return apiKeyCommand(ctx, repository.NewPostgresRepository(pool), args, os.Stdout)
}

func apiKeyCommand(ctx context.Context, store apiKeyStore, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(apiKeyUsage)
	}

	fs := flag.NewFlagSet("apikey "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "key description")
	id := fs.String("id", "", "key id")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w\n%s", err, apiKeyUsage)
	}

	switch args[0] {
	case "create":
		if strings.TrimSpace(*name) == "" {
			return errors.New("-name is required")
		}
		token, err := store.CreateAPIKey(ctx, *name)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, token)
		return err
	case "list":
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED\tREVOKED")
		for _, key := range keys {
			revoked := "-"
			if key.RevokedAt != nil {
				revoked = key.RevokedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format(time.RFC3339), revoked)
		}
		return tw.Flush()
	case "revoke":
		if strings.TrimSpace(*id) == "" {
			return errors.New("-id is required")
		}
		if err := store.RevokeAPIKey(ctx, *id); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "revoked %s\n", *id)
		return err
	default:
		return fmt.Errorf("unknown apikey command %q\n%s", args[0], apiKeyUsage)
	}
}
