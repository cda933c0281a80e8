package handlers

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"eyecare/api/internal/access"
	"eyecare/api/internal/audit"
	"eyecare/api/internal/config"
	"eyecare/api/internal/media/pipeline"
	"eyecare/api/internal/metrics"
	"eyecare/api/internal/middleware"
	"eyecare/api/internal/models"
	"eyecare/api/internal/repository"
	"eyecare/api/internal/service"
	"eyecare/api/internal/storage"
	"eyecare/api/internal/tasks"
)

type ImageLister interface {
	List(ctx context.Context, limit, offset int) ([]models.Image, error)
}

type HandlerSet struct {
	log     zerolog.Logger
	cfg     *config.AppConfig
	images  *service.ImageService
	records ImageLister
	guard   *access.Guard
	backend storage.Backend
	db      *pgxpool.Pool
	cache   *redis.Client
}

func NewHandlerSet(log zerolog.Logger, db *pgxpool.Pool, cache *redis.Client, backend storage.Backend, m *metrics.Metrics, cfg *config.AppConfig) (HandlerSet, error) {
	imageRepo := repository.NewImageRepository(db)
	ownerRepo := repository.NewOwnerRepository(db)

	recorder := audit.NewRecorder(cache, cfg.Maintenance.AuditStream, log)
	guard := ownerRepo.Register(access.NewGuard(recorder, m))

	pipe := pipeline.New(pipeline.Options{
		MaxBytes:     cfg.Images.MaxUploadBytes,
		PrimaryBox:   pipeline.Box{Width: cfg.Images.PrimaryWidth, Height: cfg.Images.PrimaryHeight},
		ThumbnailBox: pipeline.Box{Width: cfg.Images.ThumbWidth, Height: cfg.Images.ThumbHeight},
		Quality:      cfg.Images.Quality,
	})
	gateway, err := service.NewStorageGateway(backend, pipe, service.GatewayOptions{
		DefaultTTL:          cfg.Images.SignedURLTTL,
		CacheSize:           cfg.Images.CacheSize,
		CacheMaxObjectBytes: cfg.Images.CacheMaxObjectBytes,
	}, m, log)
	if err != nil {
		return HandlerSet{}, fmt.Errorf("storage gateway: %w", err)
	}

	queue := tasks.NewQueue(cache, cfg.Maintenance.Stream)
	images := service.NewImageService(imageRepo, guard, gateway, queue, log)

	return HandlerSet{
		log:     log,
		cfg:     cfg,
		images:  images,
		records: imageRepo,
		guard:   guard,
		backend: backend,
		db:      db,
		cache:   cache,
	}, nil
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")

	images := v1.Group("/images")
	images.Use(middleware.Auth(h.cfg))
	{
		images.POST("/upload-url", h.IssueUploadURL)
		images.POST("/upload", h.UploadImage)
		images.POST("", h.RegisterImage)
		images.PUT("/direct/*key", h.DirectUpload)
		images.GET("/cases/:caseId", h.ListCaseImages)
		images.GET("/:id/download-url", h.DownloadURL)
		images.GET("/:id/proxy", h.ProxyImage)
		images.DELETE("/:id", middleware.RequireRoles(models.RoleDoctor, models.RoleAdmin), h.DeleteImage)
	}

	accessGroup := v1.Group("/access")
	accessGroup.Use(middleware.Auth(h.cfg))
	accessGroup.GET("/:kind/:id", h.CheckAccess)

	admin := v1.Group("/admin")
	admin.Use(
		middleware.Auth(h.cfg),
		middleware.RequireRoles(models.RoleAdmin),
	)
	admin.GET("/images", h.AdminListImages)
}
