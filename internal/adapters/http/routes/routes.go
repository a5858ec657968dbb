package routes

import (
	"time"

	"rentmeter/internal/adapters/http/handlers"
	"rentmeter/internal/adapters/http/middleware"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/adapters/storage"
	"rentmeter/internal/config"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/services"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dependencies carries the shared infrastructure the routes are built on
type Dependencies struct {
	DB       *gorm.DB
	Config   *config.Config
	Redis    *redis.Client // optional
	Limiter  fiber.Storage // optional, rate limiter counters
	Store    *storage.LocalStore
	Notifier services.Notifier
	Log      *zap.Logger
}

// Setup configures all routes for the application
func Setup(app *fiber.App, deps Dependencies) {
	db, cfg, log := deps.DB, deps.Config, deps.Log

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(db)
	roomRepo := repositories.NewRoomRepository(db)
	billRepo := repositories.NewBillRepository(db)
	billFeed := services.NewBillFeed(log.Named("feed"))
	billEventRepo := billFeed.Recorder(repositories.NewBillEventRepository(db))

	// Initialize services
	authService := services.NewAuthService(userRepo, refreshTokenRepo, cfg, log.Named("auth"))
	userService := services.NewUserService(userRepo, log.Named("users"))
	roomService := services.NewRoomService(roomRepo, userRepo, log.Named("rooms"))
	billService := services.NewBillService(billRepo, roomRepo, billEventRepo, deps.Store, log.Named("bills"))
	evidenceService := services.NewEvidenceService(billRepo, billEventRepo, deps.Store, deps.Notifier, cfg.MaxUploadBytes(), log.Named("evidence"))
	receiptService := services.NewReceiptService(billRepo, roomRepo, cfg.PromptPay.MerchantID, log.Named("receipts"))
	importService := services.NewImportService(billService, log.Named("import"))
	dashboardService := services.NewDashboardService(billRepo, roomRepo)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(cfg.AppMode, deps.Redis)
	authHandler := handlers.NewAuthHandler(authService, cfg, log)
	userHandler := handlers.NewUserHandler(userService, log)
	roomHandler := handlers.NewRoomHandler(roomService, billService, log)
	billHandler := handlers.NewBillHandler(billService, log)
	evidenceHandler := handlers.NewEvidenceHandler(evidenceService, cfg.MaxUploadBytes(), log)
	receiptHandler := handlers.NewReceiptHandler(receiptService, importService, log)
	dashboardHandler := handlers.NewDashboardHandler(dashboardService, log)
	feedHandler := handlers.NewFeedHandler(billFeed, log)

	// Health check & root routes
	app.Get("/", healthHandler.Root)
	app.Get("/health", healthHandler.HealthCheck)

	// Swagger documentation
	app.Get("/swagger/*", swagger.HandlerDefault)

	session := middleware.Session(authService)

	// API v1 group
	apiV1 := app.Group("/api/v1")
	apiV1.Get("/", healthHandler.APIInfo)

	// Auth routes (public)
	setupAuthRoutes(apiV1.Group("/auth"), authHandler, session, deps.Limiter)

	// User management routes
	userRoutes := apiV1.Group("/users", session, middleware.RequirePermission(authz.CanManageUsers, authz.CanManageRoles))
	setupUserRoutes(userRoutes, userHandler)

	// Profile routes (Authenticated users)
	setupProfileRoutes(apiV1.Group("/profile", session), userHandler)

	// Room routes
	setupRoomRoutes(apiV1.Group("/rooms", session), roomHandler)

	// Bill routes
	setupBillRoutes(apiV1.Group("/bills", session), billHandler, evidenceHandler, receiptHandler, feedHandler, deps.Limiter)

	// Dashboard routes
	dashboardRoutes := apiV1.Group("/dashboard", session, middleware.RequirePermission(authz.CanViewReports))
	dashboardRoutes.Get("/", middleware.PrivateCacheHeaders(30*time.Second), dashboardHandler.GetDashboard)
}

// setupAuthRoutes configures authentication routes
func setupAuthRoutes(router fiber.Router, handler *handlers.AuthHandler, session fiber.Handler, limiterStorage fiber.Storage) {
	// Public routes
	router.Post("/register", middleware.AuthRateLimiter(limiterStorage), handler.Register)
	router.Post("/login", middleware.AuthRateLimiter(limiterStorage), handler.Login)
	router.Post("/refresh", handler.RefreshToken)
	router.Post("/logout", handler.Logout)

	// Protected routes
	router.Get("/me", session, middleware.NoCacheHeaders(), handler.Me)
	router.Post("/logout-all", session, handler.LogoutAll)
}

// setupUserRoutes configures user management routes
func setupUserRoutes(router fiber.Router, handler *handlers.UserHandler) {
	router.Get("/", handler.ListUsers)
	router.Get("/:id", handler.GetUser)
	router.Put("/:id", handler.UpdateUser)
	router.Delete("/:id", handler.DeleteUser)
	router.Put("/:id/role", handler.SetUserRole)
}

// setupProfileRoutes configures profile routes (Authenticated)
func setupProfileRoutes(router fiber.Router, handler *handlers.UserHandler) {
	router.Get("/", handler.GetProfile)
	router.Put("/", handler.UpdateProfile)
	router.Put("/password", handler.ChangePassword)
}

// setupRoomRoutes configures room routes. Permission checks are room-scoped
// and happen in the services.
func setupRoomRoutes(router fiber.Router, handler *handlers.RoomHandler) {
	router.Get("/", handler.List)
	router.Post("/", handler.Create)
	router.Get("/:code", handler.Get)
	router.Put("/:code", handler.Update)
	router.Put("/:code/tenant", handler.AssignTenant)
	router.Delete("/:code/tenant", handler.Vacate)
	router.Get("/:code/bills", handler.History)
}

// setupBillRoutes configures bill, evidence and receipt routes
func setupBillRoutes(
	router fiber.Router,
	bills *handlers.BillHandler,
	evidence *handlers.EvidenceHandler,
	receipts *handlers.ReceiptHandler,
	feed *handlers.FeedHandler,
	limiterStorage fiber.Storage,
) {
	// static segments before /:id
	router.Get("/stream", feed.Stream)
	router.Post("/import", middleware.UploadRateLimiter(limiterStorage), receipts.Import)
	router.Get("/export", middleware.NoCacheHeaders(), receipts.Export)

	router.Get("/", bills.List)
	router.Post("/", bills.Create)
	router.Get("/:id", bills.Get)
	router.Put("/:id", bills.Edit)
	router.Delete("/:id", bills.Delete)
	router.Get("/:id/events", bills.Events)

	// Evidence
	router.Get("/:id/evidence", middleware.PrivateCacheHeaders(time.Minute), evidence.Download)
	router.Post("/:id/evidence", middleware.UploadRateLimiter(limiterStorage), evidence.Upload)
	router.Delete("/:id/evidence", evidence.Delete)
	router.Post("/:id/confirm", evidence.Confirm)

	// Receipts
	private := middleware.PrivateCacheHeaders(time.Minute)
	router.Get("/:id/receipt", private, receipts.Receipt)
	router.Get("/:id/receipt/qr.png", private, receipts.QRCode)
	router.Get("/:id/invoice", private, receipts.Invoice)
}
