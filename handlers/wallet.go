// handlers/wallet.go
package handlers

import (
	"chain-quiz-system/middleware"
	"chain-quiz-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, walletService *services.WalletService) {
	// 🔐 All wallet routes are user-scoped
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/wallet/balance", walletService.GetBalance)
	secured.Get("/wallet/history", walletService.GetHistory)
	secured.Post("/wallet/topup", walletService.TopUp)
	secured.Post("/wallet/withdraw", walletService.Withdraw)
}
