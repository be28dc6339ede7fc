package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trading-guardian/internal/auth"
	"trading-guardian/internal/database"
)

func main() {
	fmt.Println("========================================")
	fmt.Println(" Guard Administration Tool")
	fmt.Println("========================================")
	fmt.Println()

	db, err := connect()
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Show guard status")
		fmt.Println("  2. Clear safe mode")
		fmt.Println("  3. Clear panic mode")
		fmt.Println("  4. List unresolved exit retries")
		fmt.Println("  5. Show recent guard events")
		fmt.Println("  6. Hash an admin password")
		fmt.Println("  7. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		switch input {
		case "1":
			showStatus(repo)
		case "2":
			clearSafeMode(repo, reader)
		case "3":
			clearPanicMode(repo, reader)
		case "4":
			listExitRetries(repo)
		case "5":
			showRecentEvents(repo, reader)
		case "6":
			hashPassword(reader)
		case "7":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func connect() (*database.DB, error) {
	return database.NewDB(database.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "guardian"),
		Password: getEnv("DB_PASSWORD", "guardian_password"),
		Database: getEnv("DB_NAME", "trading_guardian"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	})
}

func showStatus(repo *database.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := repo.GetSystemGuardState(ctx)
	if err != nil {
		fmt.Printf("Failed to load guard state: %v\n", err)
		return
	}

	fmt.Println("\n--- System Guard State ---")
	fmt.Printf("  Safe mode:   %v\n", state.SafeMode)
	fmt.Printf("  Panic mode:  %v\n", state.PanicMode)
	if state.LastReconcileAt != nil {
		fmt.Printf("  Last clean reconcile: %s\n", state.LastReconcileAt.Format(time.RFC3339))
	} else {
		fmt.Println("  Last clean reconcile: never")
	}
	if state.LastMismatchAt != nil {
		fmt.Printf("  Last mismatch: %s\n", state.LastMismatchAt.Format(time.RFC3339))
	}
	if state.LastMismatchReason != nil {
		fmt.Printf("  Mismatch reason: %s\n", *state.LastMismatchReason)
	}
}

func clearSafeMode(repo *database.Repository, reader *bufio.Reader) {
	if !confirm(reader, "Clear safe mode? Reconciliation findings should be reviewed first") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repo.ClearSafeMode(ctx); err != nil {
		fmt.Printf("Failed to clear safe mode: %v\n", err)
		return
	}
	recordAdminEvent(repo, "SAFE_MODE_CLEARED", "safe mode cleared via guard-admin")
	fmt.Println("Safe mode cleared.")
}

func clearPanicMode(repo *database.Repository, reader *bufio.Reader) {
	if !confirm(reader, "Clear panic mode? All positions should be verified flat first") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repo.ClearPanicMode(ctx); err != nil {
		fmt.Printf("Failed to clear panic mode: %v\n", err)
		return
	}
	recordAdminEvent(repo, "PANIC_CLEARED", "panic mode cleared via guard-admin")
	fmt.Println("Panic mode cleared.")
}

func listExitRetries(repo *database.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := repo.GetUnresolvedExitRetries(ctx)
	if err != nil {
		fmt.Printf("Failed to load exit retries: %v\n", err)
		return
	}

	if len(entries) == 0 {
		fmt.Println("\nNo unresolved exit retries.")
		return
	}

	fmt.Printf("\n--- Unresolved Exit Retries (%d) ---\n", len(entries))
	for _, entry := range entries {
		fmt.Printf("  Trade %d: %d attempts, next at %s, reason: %s\n",
			entry.TradeID, entry.Attempts, entry.NextAttemptAt.Format(time.RFC3339), entry.LastReason)
	}
}

func showRecentEvents(repo *database.Repository, reader *bufio.Reader) {
	fmt.Print("How many events (default 20): ")
	input, _ := reader.ReadString('\n')
	limit := 20
	if n, err := strconv.Atoi(strings.TrimSpace(input)); err == nil && n > 0 {
		limit = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	guardEvents, err := repo.GetRecentGuardEvents(ctx, limit)
	if err != nil {
		fmt.Printf("Failed to load events: %v\n", err)
		return
	}

	fmt.Printf("\n--- Recent Guard Events (%d) ---\n", len(guardEvents))
	for _, event := range guardEvents {
		account := "-"
		if event.AccountID != nil {
			account = *event.AccountID
		}
		fmt.Printf("  [%s] %s %s account=%s %s\n",
			event.CreatedAt.Format("2006-01-02 15:04:05"),
			event.Category, event.Code, account, event.Description)
	}
}

func hashPassword(reader *bufio.Reader) {
	fmt.Print("Password to hash: ")
	input, _ := reader.ReadString('\n')
	password := strings.TrimSpace(input)
	if password == "" {
		fmt.Println("Empty password")
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Printf("Failed to hash password: %v\n", err)
		return
	}
	fmt.Println("\nSet this as ADMIN_PASSWORD_HASH:")
	fmt.Println(hash)
}

func recordAdminEvent(repo *database.Repository, code, description string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := &database.GuardEvent{
		Category:    database.EventCategoryAdmin,
		Code:        code,
		Description: description,
		Metadata:    map[string]interface{}{"source": "guard-admin"},
	}
	if err := repo.CreateGuardEvent(ctx, event); err != nil {
		fmt.Printf("Warning: audit event not recorded: %v\n", err)
	}
}

func confirm(reader *bufio.Reader, prompt string) bool {
	fmt.Printf("%s. Continue? (yes/no): ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(strings.ToLower(input)) == "yes"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
