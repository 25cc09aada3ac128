package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"polychat/internal/apperr"
	"polychat/internal/auth"
	"polychat/internal/blob"
	"polychat/internal/provider/github"
	"polychat/internal/provider/openrouter"
	"polychat/internal/resumable"
	"polychat/internal/service/ai"
	"polychat/internal/service/assistant"
	"polychat/internal/sse"
	"polychat/internal/worker"
)

const defaultMaxMessagesPerDay = 100

// WorkerManager runs generations in the background.
type WorkerManager interface {
	Submit(task *worker.GenerateTask) error
	CancelUser(userID int64)
	CancelChat(userID int64, chatID string)
}

type ModelCatalog interface {
	Models(ctx context.Context) ([]openrouter.Model, error)
}

// DeviceFlow is the GitHub side of the Copilot connection.
type DeviceFlow interface {
	RequestDeviceCode(ctx context.Context) (*github.DeviceCode, error)
	PollAccessToken(ctx context.Context, deviceCode string) (*github.PollResult, error)
	Forget(githubToken string)
}

// Options carries the collaborators of a Handler. Integrations left nil
// answer with offline errors.
type Options struct {
	Assistant         *assistant.Service
	Auth              *auth.Service
	Workers           WorkerManager
	Streams           *resumable.Context
	Blobs             blob.Store
	Weather           ai.WeatherLookup
	Stocks            ai.StockLookup
	Search            ai.WebSearcher
	Models            ModelCatalog
	GitHub            DeviceFlow
	MaxMessagesPerDay int
}

// Handler wires HTTP routes to the assistant service and the generation workers.
type Handler struct {
	assistant   *assistant.Service
	auth        *auth.Service
	workers     WorkerManager
	streams     *resumable.Context
	blobs       blob.Store
	weather     ai.WeatherLookup
	stocks      ai.StockLookup
	search      ai.WebSearcher
	models      ModelCatalog
	github      DeviceFlow
	maxMessages int
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	maxMessages := opts.MaxMessagesPerDay
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessagesPerDay
	}
	return &Handler{
		assistant:   opts.Assistant,
		auth:        opts.Auth,
		workers:     opts.Workers,
		streams:     opts.Streams,
		blobs:       opts.Blobs,
		weather:     opts.Weather,
		stocks:      opts.Stocks,
		search:      opts.Search,
		models:      opts.Models,
		github:      opts.GitHub,
		maxMessages: maxMessages,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/health", h.health)

	api := router.Group("/api")
	api.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	api.GET("/session", h.getSession)

	api.POST("/chat", h.postChat)
	api.GET("/chat", h.resumeChat)
	api.DELETE("/chat", h.deleteChat)
	api.GET("/chat/messages", h.getChatMessages)
	api.PATCH("/chat/visibility", h.updateVisibility)
	api.DELETE("/message/trailing", h.deleteTrailingMessages)
	api.POST("/branch", h.branchChat)
	api.GET("/history", h.getHistory)
	api.GET("/vote", h.getVotes)
	api.PATCH("/vote", h.voteMessage)

	api.GET("/document", h.getDocuments)
	api.POST("/document", h.saveDocument)
	api.DELETE("/document", h.deleteDocuments)
	api.GET("/suggestions", h.getSuggestions)

	api.POST("/search", h.searchWeb)
	api.GET("/weather", h.getWeather)
	api.GET("/stocks", h.getStocks)
	api.GET("/models", h.listModels)
	api.GET("/favourites", h.listFavourites)
	api.POST("/favourites", h.addFavourite)
	api.DELETE("/favourites", h.removeFavourite)
	api.GET("/preferences/temperature-unit", h.getTemperatureUnit)
	api.PUT("/preferences/temperature-unit", h.setTemperatureUnit)

	copilot := api.Group("/github-copilot")
	copilot.POST("/connect", h.copilotConnect)
	copilot.POST("/poll", h.copilotPoll)
	copilot.GET("/status", h.copilotStatus)
	copilot.DELETE("/disconnect", h.copilotDisconnect)

	api.POST("/files/upload", h.filesUpload)
	api.GET("/files/:owner/:name", h.serveFile)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		writeError(c, apperr.New(apperr.Unauthorized, apperr.SurfaceAuth, "authorization required"))
		return 0, false
	}
	return userID, true
}

// getSession returns the signed-in user and (re)issues the CSRF cookie.
func (h *Handler) getSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.assistant.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, apperr.SurfaceAuth, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		respondError(c, apperr.SurfaceAuth, err)
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
	c.JSON(http.StatusOK, gin.H{"user": user, "csrfToken": csrfToken})
}

func writeError(c *gin.Context, e *apperr.Error) {
	if e.Surface == apperr.SurfaceDatabase {
		log.Printf("api: %s %s: %v", c.Request.Method, c.Request.URL.Path, e)
	}
	c.AbortWithStatusJSON(e.StatusCode(), e.ToBody())
}

// respondError converts service errors at the route boundary. A missing
// row becomes not_found on surface; unclassified errors are logged and
// answered with a 500.
func respondError(c *gin.Context, surface apperr.Surface, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(c, apperr.New(apperr.NotFound, surface, ""))
		return
	}
	if e, ok := apperr.As(err); ok {
		writeError(c, e)
		return
	}
	log.Printf("api: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"code":    "internal",
		"message": "Something went wrong. Please try again later.",
	})
}

func badRequest(c *gin.Context, cause string) {
	writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceAPI, cause))
}

func requiredQuery(c *gin.Context, name string) (string, bool) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		badRequest(c, "Parameter "+name+" is required.")
		return "", false
	}
	return v, true
}

// pipeStream copies a stream to the client until it finishes or the client
// goes away. The producer is unaffected by a disconnect.
func pipeStream(c *gin.Context, w *sse.Writer, reader *resumable.Reader) {
	defer reader.Close()
	ctx := c.Request.Context()
	for {
		chunk, err := reader.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("api: follow stream: %v", err)
			}
			return
		}
		if err := w.WriteFrame(chunk); err != nil {
			return
		}
	}
}
