package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"signdesk/portal-backend/internal/config"
	"signdesk/portal-backend/internal/documents"
	"signdesk/portal-backend/internal/notifications"
	"signdesk/portal-backend/internal/notifications/websocket"
	"signdesk/portal-backend/pkg/qr"
	"signdesk/portal-backend/pkg/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		// Signing operations fail with a configuration error until this is fixed.
		logger.Error("Signing is not fully configured", zap.Error(err))
	}

	ctx := context.Background()

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.GetDatabaseURL()), &gorm.Config{})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("Failed to access database pool", zap.Error(err))
	}
	defer sqlDB.Close()
	if cfg.Database.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxConnections)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	}
	if err := documents.AutoMigrate(db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	// Blob storage
	var blobs storage.BlobStore
	if cfg.Storage.UseMemoryStore {
		logger.Warn("Using in-memory blob storage")
		blobs = storage.NewMemoryStore()
	} else {
		s3Store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			Prefix:    cfg.Storage.Prefix,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
		}
		blobs = s3Store
	}
	blobs = storage.NewRetryingStore(blobs, cfg.Storage.Timeout, logger)

	// Document signing engine
	sealer := documents.NewSealer(blobs, qr.NewGenerator(cfg.Signing.QRSize), documents.SealerConfig{
		Credentials:      cfg.Signing.Certificate,
		OwnerPassword:    cfg.Signing.OwnerPassword,
		SignatureReserve: cfg.Signing.SignatureReserve,
		FieldName:        cfg.Signing.FieldName,
	}, logger)

	service := documents.NewService(documents.NewRepository(db), blobs, sealer, &documents.ServiceConfig{
		MaxPINAttempts:      cfg.PIN.MaxAttempts,
		LockoutPeriod:       cfg.PIN.LockoutPeriod,
		UnlockSecret:        cfg.PIN.UnlockSecret,
		UnlockTokenTTL:      cfg.PIN.UnlockTokenTTL,
		SignedURLTTL:        cfg.Storage.SignedURLTTL,
		DownloadConcurrency: cfg.Storage.DownloadLimit,
		VerificationBaseURL: cfg.Server.PublicURL,
		AsyncTimeout:        cfg.Audit.Timeout,
	}, logger)

	if cfg.Audit.DatabaseURL != "" {
		auditDB, err := sqlx.Connect("postgres", cfg.Audit.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to audit database", zap.Error(err))
		}
		defer auditDB.Close()
		service.SetAuditSink(documents.NewSQLAuditSink(auditDB))
	}

	// Notifications
	wsManager := websocket.NewManager(logger)
	defer wsManager.Close()

	var operators notifications.Publisher
	if cfg.Notifications.SNSTopicARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
		if err != nil {
			logger.Fatal("Failed to load AWS config", zap.Error(err))
		}
		operators = notifications.NewSNSPublisher(sns.NewFromConfig(awsCfg), cfg.Notifications.SNSTopicARN)
	}
	service.SetNotifier(notifications.NewService(wsManager, operators, logger))

	// Integrity monitor
	var monitor *documents.IntegrityMonitor
	if cfg.Integrity.Enabled {
		monitor = documents.NewIntegrityMonitor(service, cfg.Integrity.Schedule, logger)
		if err := monitor.Start(); err != nil {
			logger.Fatal("Failed to start integrity monitor", zap.Error(err))
		}
	}

	// Setup Router
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		status := gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"connections": wsManager.GetConnectionCount(),
		}
		if monitor != nil {
			if report := monitor.LastReport(); report != nil {
				status["integrity"] = gin.H{
					"checked":    report.Checked,
					"mismatched": report.Mismatched,
					"failed":     report.Failed,
					"started_at": report.StartedAt,
				}
			}
		}
		c.JSON(http.StatusOK, status)
	})

	router.GET("/ws/documents/:id", func(c *gin.Context) {
		if _, err := wsManager.HandleConnection(c.Writer, c.Request, c.Param("id"), c.Query("user_id")); err != nil {
			logger.Warn("WebSocket upgrade failed", zap.Error(err))
		}
	})

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Signing service started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	if monitor != nil {
		monitor.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	service.Wait()

	logger.Info("Server exiting")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}
