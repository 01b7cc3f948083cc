package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chain-quiz-system/handlers"
	"chain-quiz-system/middleware"
	"chain-quiz-system/models"
	"chain-quiz-system/services"
	"chain-quiz-system/utils"
	"chain-quiz-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // 1MB — JSON API only
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, X-User-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.CreditBalance{},
		&models.CreditTransaction{},
		&models.TopUpRecord{},
		&models.PendingTopUp{},
		&models.CompletedRun{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	depositAddress := os.Getenv("DEPOSIT_ADDRESS")
	if depositAddress == "" {
		log.Fatal("DEPOSIT_ADDRESS environment variable not set")
	}

	// Ephemeral store: shared Redis when configured, local memory otherwise
	kv := services.NewKV()

	chainClient := utils.NewChainClient()
	verifier := services.NewPaymentVerifier(chainClient)

	ledgerService := services.NewLedgerService(db)
	supplier := services.NewQuestionSupplier(utils.FetchJSONFromR2)
	batchCache := services.NewBatchCache(kv, supplier)
	runStore := services.NewRunStore(kv)
	challengeStore := services.NewChallengeStore(kv, depositAddress)
	settlementService := services.NewSettlementService(db, ledgerService, batchCache)

	quizService := services.NewQuizService(runStore, batchCache, challengeStore, verifier, ledgerService, settlementService, supplier)
	walletService := services.NewWalletService(db, ledgerService, verifier, chainClient, depositAddress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Late-confirming top-ups get credited by the watcher
	topUpWatcher := workers.NewTopUpWatcher(db, verifier, ledgerService, depositAddress)
	go topUpWatcher.PollPendingTopUps(ctx, 30*time.Second)

	services.StartSweepScheduler(kv)

	// ✅ Setup routes — enforced Gateway auth on everything
	handlers.SetupQuizRoutes(app, quizService)
	handlers.SetupWalletRoutes(app, walletService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Pending top-up watcher running (every 30s)")
	log.Println("✅ Ephemeral sweep scheduler running (every 1m)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
