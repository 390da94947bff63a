package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"zooassist/internal/app"
	"zooassist/internal/model"
	"zooassist/internal/transport/http/handler"
	"zooassist/internal/transport/http/middleware"
)

// Services are the application services the router exposes.
type Services struct {
	Fragments    *app.FragmentService
	Assistants   *app.AssistantService
	Sandboxes    *app.SandboxService
	Knowledge    *app.KnowledgeService
	Contexts     *app.ContextService
	MaxFileBytes int64
}

func NewRouter(ginMode string, logger *zap.Logger, svc Services, health *handler.HealthHandler) *gin.Engine {
	if ginMode != "" {
		gin.SetMode(ginMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(logger), middleware.Recovery(logger))

	if health != nil {
		router.GET("/healthz", health.Check)
	}

	personalities := handler.NewFragmentHandler(svc.Fragments, model.FragmentPersonality)
	guardrails := handler.NewFragmentHandler(svc.Fragments, model.FragmentGuardrail)
	assistants := handler.NewAssistantHandler(svc.Assistants, svc.Contexts)
	sandboxes := handler.NewSandboxHandler(svc.Sandboxes, svc.Contexts)
	knowledge := handler.NewKnowledgeHandler(svc.Knowledge, svc.MaxFileBytes)

	v1 := router.Group("/api/v1")
	for path, h := range map[string]*handler.FragmentHandler{
		"/personalities": personalities,
		"/guardrails":    guardrails,
	} {
		group := v1.Group(path)
		group.POST("", h.Create)
		group.GET("", h.List)
		group.GET("/:id", h.Get)
		group.PATCH("/:id", h.Update)
		group.DELETE("/:id", h.Delete)
	}
	v1.POST("/fragments/reconcile", personalities.Reconcile)

	assistantGroup := v1.Group("/assistants")
	assistantGroup.POST("", assistants.Create)
	assistantGroup.GET("", assistants.List)
	assistantGroup.GET("/:id", assistants.Get)
	assistantGroup.PATCH("/:id", assistants.Update)
	assistantGroup.DELETE("/:id", assistants.Delete)
	assistantGroup.PUT("/:id/status", assistants.SetStatus)
	assistantGroup.GET("/:id/context", assistants.Context)
	assistantGroup.POST("/:id/files", knowledge.Upload(model.OwnerAssistant))
	assistantGroup.GET("/:id/files", knowledge.List(model.OwnerAssistant))

	sandboxGroup := v1.Group("/sandboxes")
	sandboxGroup.POST("", sandboxes.Create)
	sandboxGroup.GET("", sandboxes.List)
	sandboxGroup.GET("/:id", sandboxes.Get)
	sandboxGroup.POST("/:id/touch", sandboxes.Touch)
	sandboxGroup.GET("/:id/context", sandboxes.Context)
	sandboxGroup.POST("/:id/promote", sandboxes.Promote)
	sandboxGroup.POST("/:id/files", knowledge.Upload(model.OwnerSandbox))
	sandboxGroup.GET("/:id/files", knowledge.List(model.OwnerSandbox))

	fileGroup := v1.Group("/files")
	fileGroup.GET("/:id/status", knowledge.Status)
	fileGroup.DELETE("/:id", knowledge.Purge)

	return router
}
