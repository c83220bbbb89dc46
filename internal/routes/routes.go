package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/swiftbill/swiftbill/internal/biller"
	"github.com/swiftbill/swiftbill/internal/config"
	"github.com/swiftbill/swiftbill/internal/idempotency"
	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/lock"
	"github.com/swiftbill/swiftbill/internal/logging"
	"github.com/swiftbill/swiftbill/internal/middleware"
	"github.com/swiftbill/swiftbill/internal/notification"
	"github.com/swiftbill/swiftbill/internal/payments"
	"github.com/swiftbill/swiftbill/internal/schedule"
	"github.com/swiftbill/swiftbill/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Services holds the wired application services. The background workers are
// exposed so main can run them on their own goroutines.
type Services struct {
	Wallets    *wallet.Service
	Payments   *payments.Service
	Schedules  *schedule.Service
	Scheduler  *schedule.Scheduler
	Reconciler *payments.Reconciler
	Notifier   notification.Notifier
}

// NewServices builds the service graph. Postgres, Redis and Kafka are each
// optional outside production; absent ones are replaced by in-process
// fallbacks so local development needs no infrastructure.
func NewServices(d Deps) *Services {
	var store ledger.Store
	var schedules schedule.Repository
	var directory biller.Directory
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		schedules = schedule.NewPostgresRepository(d.DB)
		directory = biller.NewPostgresDirectory(d.DB)
	} else {
		store = ledger.NewInMemory()
		schedules = schedule.NewMemoryRepository()
		directory = biller.NewMemoryDirectory(devBillers()...)
	}

	var locks lock.Locker
	var registry idempotency.Registry
	if d.Cache != nil {
		locks = lock.NewRedisLocker(d.Cache)
		registry = idempotency.NewRedisRegistry(d.Cache, d.Cfg.IdempotencyTTL)
	} else {
		locks = lock.NewMutexLocker()
		registry = idempotency.NewMemoryRegistry()
	}

	var notifier notification.Notifier
	if len(d.Cfg.KafkaBrokers) > 0 {
		notifier = notification.NewKafkaNotifier(d.Cfg.KafkaBrokers, d.Cfg.KafkaTopic)
	} else {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}

	wallets := wallet.NewService(store, locks, registry, notifier, wallet.Config{
		MinFunding: d.Cfg.FundingMin,
		MaxFunding: d.Cfg.FundingMax,
		LockTTL:    d.Cfg.LockTTL,
		LockWait:   d.Cfg.LockWait,
	}, d.Logger)

	pay := payments.NewService(store, wallets, directory, biller.StaticGateway{},
		locks, registry, notifier, payments.Config{
			LockTTL:  d.Cfg.LockTTL,
			LockWait: d.Cfg.LockWait,
		}, d.Logger)

	scheduleSvc := schedule.NewService(schedules, directory)
	scheduler := schedule.NewScheduler(schedules, pay, locks, notifier, schedule.SchedulerConfig{
		Interval:   d.Cfg.SchedulerInterval,
		MaxRetries: d.Cfg.SchedulerMaxRetries,
	}, logging.Component(d.Logger, "scheduler"))
	reconciler := payments.NewReconciler(pay, d.Cfg.ReconcileInterval, d.Cfg.ReconcileAfter,
		logging.Component(d.Logger, "reconciler"))

	return &Services{
		Wallets:    wallets,
		Payments:   pay,
		Schedules:  scheduleSvc,
		Scheduler:  scheduler,
		Reconciler: reconciler,
		Notifier:   notifier,
	}
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, svcs *Services) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	walletHandler := wallet.NewHandler(svcs.Wallets)
	paymentHandler := payments.NewHandler(svcs.Payments)
	scheduleHandler := schedule.NewHandler(svcs.Schedules)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler)
	RegisterPaymentRoutes(api, paymentHandler)
	RegisterScheduleRoutes(api, scheduleHandler)

	admin := api.Group("/admin", middleware.AdminAPIKey(d.Cfg.AdminKeyHash))
	RegisterAdminRoutes(admin, paymentHandler)
}

// devBillers seeds the in-memory directory for local development.
func devBillers() []biller.Biller {
	now := time.Now().UTC()
	return []biller.Biller{
		{ID: "b-electric", Code: "ELEC", Name: "City Power", BillType: "electricity",
			MinAmount: 500, MaxAmount: 50_000_00, Fee: 100, CashbackRate: decimal.RequireFromString("0.01"), Active: true, CreatedAt: now},
		{ID: "b-water", Code: "WATER", Name: "Metro Water", BillType: "water",
			MinAmount: 200, MaxAmount: 20_000_00, Fee: 50, CashbackRate: decimal.RequireFromString("0.005"), Active: true, CreatedAt: now},
		{ID: "b-tv", Code: "TV", Name: "SatVision", BillType: "cable",
			MinAmount: 1000, MaxAmount: 10_000_00, Fee: 0, CashbackRate: decimal.RequireFromString("0.02"), Active: true, CreatedAt: now},
	}
}
