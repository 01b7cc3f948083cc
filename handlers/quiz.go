// handlers/quiz.go
package handlers

import (
	"chain-quiz-system/middleware"
	"chain-quiz-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupQuizRoutes(app *fiber.App, quizService *services.QuizService) {
	// 🔓 Public routes — *no user context*, but **still require Gateway auth**
	app.Get("/quiz/categories", quizService.GetCategories)
	app.Get("/quiz/challenge/:nonce/status", quizService.GetChallengeStatus)

	// 🔐 Secured routes — require user context (userID), enforced via middleware
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/quiz/challenge", quizService.IssueChallenge)
	secured.Post("/quiz/start", quizService.StartRun)
	secured.Post("/quiz/next", quizService.NextQuestion)
	secured.Post("/quiz/answer", quizService.SubmitAnswer)
	secured.Post("/quiz/stop", quizService.StopRun)
	secured.Post("/quiz/abort", quizService.AbortRun)
	secured.Get("/quiz/history", quizService.GetRunHistory)
}
