package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"srpk-license-server/config"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/issuer"
	"srpk-license-server/internal/product"
)

func main() {
	fmt.Println("========================================")
	fmt.Println(" SRPK License Administration Tool")
	fmt.Println("========================================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	svc := issuer.New(repo, events.NewBus(), nil, issuer.Config{
		TermDays:      cfg.LicenseConfig.TermDays,
		SigningSecret: cfg.LicenseConfig.SigningSecret,
		JWTSecret:     cfg.LicenseConfig.JWTSecret,
	})

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Issue manual license")
		fmt.Println("  2. Validate a license key")
		fmt.Println("  3. Revoke a license key")
		fmt.Println("  4. List licenses")
		fmt.Println("  5. Show stats")
		fmt.Println("  6. Exit")
		fmt.Print("\nSelect option: ")

		switch readLine(reader) {
		case "1":
			issueManual(ctx, reader, repo, svc)
		case "2":
			validateKey(ctx, reader, svc)
		case "3":
			revokeKey(ctx, reader, svc)
		case "4":
			listLicenses(ctx, repo)
		case "5":
			showStats(ctx, repo)
		case "6":
			fmt.Println("Goodbye!")
			return
		default:
			fmt.Println("Invalid option")
		}
	}
}

func readLine(reader *bufio.Reader) string {
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

// issueManual creates a license outside the payment flow, for support and
// partner deals. A synthetic claim row keeps the license->claim invariant.
func issueManual(ctx context.Context, reader *bufio.Reader, repo *database.Repository, svc *issuer.Issuer) {
	fmt.Print("Buyer email: ")
	email := readLine(reader)

	fmt.Printf("Product code (%s): ", strings.Join(product.Codes(), "/"))
	code := readLine(reader)
	if _, ok := product.Get(code); !ok {
		fmt.Println("Unknown product code")
		return
	}

	txHash := fmt.Sprintf("manual:%s", uuid.New().String())
	claim, _, err := repo.CreatePaymentClaim(ctx, &database.PaymentClaim{
		TxHash:      txHash,
		Network:     "manual",
		Asset:       "USD",
		ProductCode: code,
		BuyerEmail:  email,
	})
	if err != nil {
		fmt.Printf("Failed to create claim: %v\n", err)
		return
	}
	if _, err := repo.TransitionClaimStatus(ctx, claim.TxHash, database.ClaimStatusPending, database.ClaimStatusVerified, ""); err != nil {
		fmt.Printf("Failed to mark claim verified: %v\n", err)
		return
	}
	claim.Status = database.ClaimStatusVerified

	license, err := svc.Issue(ctx, claim)
	if err != nil {
		fmt.Printf("Issuance failed: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  License Key: %s\n", license.LicenseKey)
	fmt.Printf("  Product:     %s\n", license.ProductCode)
	fmt.Printf("  Expires:     %s\n", license.ExpiresAt.Format("2006-01-02"))
	fmt.Println("========================================")
}

func validateKey(ctx context.Context, reader *bufio.Reader, svc *issuer.Issuer) {
	fmt.Print("License key: ")
	key := readLine(reader)

	result, err := svc.Validate(ctx, key)
	if err != nil {
		fmt.Printf("Validation failed: %v\n", err)
		return
	}

	if !result.IsValid {
		fmt.Println("Key is INVALID (unknown, expired or revoked)")
		return
	}
	fmt.Printf("Key is VALID: product=%s, expires=%s, days remaining=%d\n",
		result.ProductCode, result.ExpiresAt.Format("2006-01-02"), result.DaysRemaining)
}

func revokeKey(ctx context.Context, reader *bufio.Reader, svc *issuer.Issuer) {
	fmt.Print("License key: ")
	key := readLine(reader)
	fmt.Print("Confirm revoke (y/n): ")
	if !strings.EqualFold(readLine(reader), "y") {
		fmt.Println("Cancelled")
		return
	}

	if err := svc.Revoke(ctx, key, "license-admin-cli"); err != nil {
		fmt.Printf("Revocation failed: %v\n", err)
		return
	}
	fmt.Println("License revoked")
}

func listLicenses(ctx context.Context, repo *database.Repository) {
	licenses, err := repo.ListLicenses(ctx, false, 50, 0)
	if err != nil {
		fmt.Printf("Listing failed: %v\n", err)
		return
	}

	fmt.Printf("\n%-22s %-14s %-8s %-12s %s\n", "KEY", "PRODUCT", "ACTIVE", "EXPIRES", "EMAIL")
	for _, l := range licenses {
		fmt.Printf("%-22s %-14s %-8t %-12s %s\n",
			l.LicenseKey, l.ProductCode, l.IsActive, l.ExpiresAt.Format("2006-01-02"), l.BuyerEmail)
	}
	fmt.Printf("\n%d licenses\n", len(licenses))
}

func showStats(ctx context.Context, repo *database.Repository) {
	stats, err := repo.GetLicenseStats(ctx)
	if err != nil {
		fmt.Printf("Stats failed: %v\n", err)
		return
	}

	fmt.Printf("\nAs of %s:\n", time.Now().Format("2006-01-02 15:04:05"))
	for k, v := range stats {
		fmt.Printf("  %-20s %v\n", k, v)
	}
}
