package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/archessay/wildduck/db"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/server/delivery"
)

func handleCreateUser(ctx context.Context) {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username (required)")
	address := fs.String("address", "", "Primary address (required)")
	name := fs.String("name", "", "Display name")
	forwards := fs.Int64("forwards", 0, "Daily forwarding ceiling, 0 uses the server default")
	forward := fs.String("forward", "", "Comma separated forward targets")
	targetURL := fs.String("target-url", "", "Webhook URL receiving a copy of every message")
	parseFlags(fs, "Usage: wildduck-admin create-user --username NAME --address ADDRESS [options]")

	if *username == "" || *address == "" {
		fs.Usage()
		os.Exit(1)
	}

	database := connect(ctx, *configPath)
	defer database.Close()

	id, err := database.CreateUser(ctx, db.NewUser{
		Username:  *username,
		Address:   *address,
		Name:      *name,
		Forwards:  *forwards,
		Forward:   splitList(*forward),
		TargetURL: *targetURL,
	})
	if err != nil {
		logger.Fatal("Failed to create user", "username", *username, "error", err)
	}
	fmt.Printf("Created user %s (%s)\n", *username, id)
}

func handleAddAddress(ctx context.Context) {
	fs := flag.NewFlagSet("add-address", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "User id (required)")
	address := fs.String("address", "", "Address to add (required)")
	parseFlags(fs, "Usage: wildduck-admin add-address --user ID --address ADDRESS")

	if *user == "" || *address == "" {
		fs.Usage()
		os.Exit(1)
	}

	database := connect(ctx, *configPath)
	defer database.Close()

	if err := database.AddAddress(ctx, *user, *address); err != nil {
		logger.Fatal("Failed to add address", "user", *user, "error", err)
	}
	fmt.Printf("Added %s to %s\n", *address, *user)
}

func handleUpdateUser(ctx context.Context) {
	fs := flag.NewFlagSet("update-user", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "User id (required)")
	forwards := fs.Int64("forwards", -1, "Daily forwarding ceiling")
	forward := fs.String("forward", "", "Comma separated forward targets, \"-\" clears the list")
	targetURL := fs.String("target-url", "", "Webhook URL, \"-\" clears it")
	encrypt := fs.String("encrypt-messages", "", "Encrypt stored messages: true or false")
	encryptForwarded := fs.String("encrypt-forwarded", "", "Encrypt forwarded messages: true or false")
	pubKeyFile := fs.String("pubkey-file", "", "Path to an armored PGP public key")
	parseFlags(fs, "Usage: wildduck-admin update-user --user ID [options]")

	if *user == "" {
		fs.Usage()
		os.Exit(1)
	}

	var settings db.UserSettings
	if *forwards >= 0 {
		settings.Forwards = forwards
	}
	switch *forward {
	case "":
	case "-":
		settings.Forward = []string{}
	default:
		settings.Forward = splitList(*forward)
	}
	if *targetURL != "" {
		v := strings.TrimPrefix(*targetURL, "-")
		settings.TargetURL = &v
	}
	settings.EncryptMessages = parseBoolFlag("encrypt-messages", *encrypt)
	settings.EncryptForwarded = parseBoolFlag("encrypt-forwarded", *encryptForwarded)
	if *pubKeyFile != "" {
		key, err := os.ReadFile(*pubKeyFile)
		if err != nil {
			logger.Fatal("Failed to read public key", "path", *pubKeyFile, "error", err)
		}
		k := string(key)
		settings.PubKey = &k
	}

	database := connect(ctx, *configPath)
	defer database.Close()

	if err := database.UpdateUser(ctx, *user, settings); err != nil {
		logger.Fatal("Failed to update user", "user", *user, "error", err)
	}
	fmt.Printf("Updated user %s\n", *user)
}

func handleSetAutoreply(ctx context.Context) {
	fs := flag.NewFlagSet("set-autoreply", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "User id (required)")
	disable := fs.Bool("disable", false, "Turn the autoreply off")
	name := fs.String("name", "", "Sender name of the reply")
	subject := fs.String("subject", "", "Reply subject, defaults to \"Auto: <original subject>\"")
	text := fs.String("text", "", "Plain text body")
	html := fs.String("html", "", "HTML body")
	start := fs.String("start", "", "Start time (RFC 3339), empty for no lower bound")
	end := fs.String("end", "", "End time (RFC 3339), empty for no upper bound")
	parseFlags(fs, "Usage: wildduck-admin set-autoreply --user ID [options]")

	if *user == "" {
		fs.Usage()
		os.Exit(1)
	}

	ar, err := autoreplyFromFlags(!*disable, *name, *subject, *text, *html, *start, *end)
	if err != nil {
		logger.Fatal("Invalid autoreply", "error", err)
	}

	database := connect(ctx, *configPath)
	defer database.Close()

	if err := database.SetAutoreply(ctx, *user, ar); err != nil {
		logger.Fatal("Failed to set autoreply", "user", *user, "error", err)
	}
	fmt.Printf("Autoreply for %s set (enabled: %t)\n", *user, ar.Status)
}

func handleAddFilter(ctx context.Context) {
	fs := flag.NewFlagSet("add-filter", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "User id (required)")
	name := fs.String("name", "", "Filter name")
	query := fs.String("query", "{}", `Query document, e.g. {"headers":{"from":"boss"},"text":"urgent"}`)
	action := fs.String("action", "{}", `Action document, e.g. {"seen":true,"mailbox":"Archive"}`)
	parseFlags(fs, "Usage: wildduck-admin add-filter --user ID --query JSON --action JSON")

	if *user == "" {
		fs.Usage()
		os.Exit(1)
	}

	q, a, err := parseFilter(*query, *action)
	if err != nil {
		logger.Fatal("Invalid filter", "error", err)
	}

	database := connect(ctx, *configPath)
	defer database.Close()

	id, err := database.AddFilter(ctx, *user, *name, q, a)
	if err != nil {
		logger.Fatal("Failed to add filter", "user", *user, "error", err)
	}
	fmt.Printf("Added filter %s\n", id)
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseBoolFlag(name, value string) *bool {
	switch strings.ToLower(value) {
	case "":
		return nil
	case "true", "yes", "1":
		v := true
		return &v
	case "false", "no", "0":
		v := false
		return &v
	}
	logger.Fatal("Invalid boolean value", "flag", name, "value", value)
	return nil
}

func autoreplyFromFlags(enabled bool, name, subject, text, html, start, end string) (delivery.Autoreply, error) {
	ar := delivery.Autoreply{
		Status:  enabled,
		Name:    name,
		Subject: subject,
		Text:    text,
		HTML:    html,
	}
	var err error
	if start != "" {
		if ar.Start, err = time.Parse(time.RFC3339, start); err != nil {
			return ar, fmt.Errorf("invalid start: %w", err)
		}
	}
	if end != "" {
		if ar.End, err = time.Parse(time.RFC3339, end); err != nil {
			return ar, fmt.Errorf("invalid end: %w", err)
		}
	}
	if !ar.Start.IsZero() && !ar.End.IsZero() && ar.End.Before(ar.Start) {
		return ar, fmt.Errorf("end is before start")
	}
	return ar, nil
}

// parseFilter decodes the query and action documents. A filter needs at
// least one action.
func parseFilter(query, action string) (db.FilterQuery, db.FilterAction, error) {
	var q db.FilterQuery
	var a db.FilterAction
	if err := json.Unmarshal([]byte(query), &q); err != nil {
		return q, a, fmt.Errorf("invalid query: %w", err)
	}
	if err := json.Unmarshal([]byte(action), &a); err != nil {
		return q, a, fmt.Errorf("invalid action: %w", err)
	}
	if a.Seen == nil && a.Flag == nil && a.Delete == nil && a.Spam == nil && a.Mailbox == nil &&
		len(a.Forward) == 0 && len(a.TargetURL) == 0 {
		return q, a, fmt.Errorf("filter has no action")
	}
	return q, a, nil
}
