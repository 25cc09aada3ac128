package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"polychat/internal/apperr"
	"polychat/internal/models"
	"polychat/internal/provider/github"
	"polychat/internal/provider/stocks"
	"polychat/internal/provider/weather"
)

func offline(c *gin.Context, surface apperr.Surface) {
	writeError(c, apperr.New(apperr.Offline, surface, "integration not configured"))
}

func (h *Handler) searchWeb(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	var req struct {
		Query      string `json:"query"`
		NumResults int    `json:"numResults"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		badRequest(c, "query is required")
		return
	}
	if h.search == nil {
		offline(c, apperr.SurfaceSearch)
		return
	}
	results, err := h.search.Search(c.Request.Context(), req.Query, req.NumResults)
	if err != nil {
		respondError(c, apperr.SurfaceSearch, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// getWeather accepts coordinates or a free-form location and answers in
// the user's temperature unit.
func (h *Handler) getWeather(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var query string
	lat, lon := c.Query("latitude"), c.Query("longitude")
	switch {
	case lat != "" && lon != "":
		latV, errLat := strconv.ParseFloat(lat, 64)
		lonV, errLon := strconv.ParseFloat(lon, 64)
		if errLat != nil || errLon != nil || latV < -90 || latV > 90 || lonV < -180 || lonV > 180 {
			badRequest(c, "latitude and longitude must be valid coordinates")
			return
		}
		query = weather.Coordinates(latV, lonV)
	case strings.TrimSpace(c.Query("location")) != "":
		query = strings.TrimSpace(c.Query("location"))
	default:
		badRequest(c, "latitude and longitude or location is required")
		return
	}
	if h.weather == nil {
		offline(c, apperr.SurfaceWeather)
		return
	}
	ctx := c.Request.Context()
	unit, err := h.assistant.GetTemperatureUnit(ctx, userID)
	if err != nil {
		respondError(c, apperr.SurfaceWeather, err)
		return
	}
	report, err := h.weather.Forecast(ctx, query, unit)
	if err != nil {
		respondError(c, apperr.SurfaceWeather, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) getStocks(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	symbol, ok := requiredQuery(c, "symbol")
	if !ok {
		return
	}
	days := stocks.DefaultDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "days must be a positive number")
			return
		}
		days = n
	}
	if h.stocks == nil {
		offline(c, apperr.SurfaceStocks)
		return
	}
	quote, err := h.stocks.Quote(c.Request.Context(), strings.ToUpper(symbol), days)
	if err != nil {
		respondError(c, apperr.SurfaceStocks, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) listModels(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if h.models == nil {
		offline(c, apperr.SurfaceModels)
		return
	}
	list, err := h.models.Models(c.Request.Context())
	if err != nil {
		respondError(c, apperr.SurfaceModels, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

func (h *Handler) listFavourites(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	favs, err := h.assistant.ListFavouriteModels(c.Request.Context(), userID)
	if err != nil {
		respondError(c, apperr.SurfaceModels, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"favourites": favs})
}

func (h *Handler) addFavourite(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ModelID string `json:"modelId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.assistant.AddFavouriteModel(c.Request.Context(), userID, req.ModelID); err != nil {
		respondError(c, apperr.SurfaceModels, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modelId": strings.TrimSpace(req.ModelID)})
}

func (h *Handler) removeFavourite(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	modelID, ok := requiredQuery(c, "modelId")
	if !ok {
		return
	}
	if err := h.assistant.RemoveFavouriteModel(c.Request.Context(), userID, modelID); err != nil {
		respondError(c, apperr.SurfaceModels, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getTemperatureUnit(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	unit, err := h.assistant.GetTemperatureUnit(c.Request.Context(), userID)
	if err != nil {
		respondError(c, apperr.SurfaceAPI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"temperatureUnit": unit})
}

func (h *Handler) setTemperatureUnit(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		TemperatureUnit models.TemperatureUnit `json:"temperatureUnit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.assistant.SetTemperatureUnit(c.Request.Context(), userID, req.TemperatureUnit); err != nil {
		respondError(c, apperr.SurfaceAPI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"temperatureUnit": req.TemperatureUnit})
}

// copilotConnect starts the GitHub device flow and stores it as pending.
func (h *Handler) copilotConnect(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if h.github == nil {
		offline(c, apperr.SurfaceCopilot)
		return
	}
	ctx := c.Request.Context()
	dc, err := h.github.RequestDeviceCode(ctx)
	if err != nil {
		respondError(c, apperr.SurfaceCopilot, err)
		return
	}
	conn := &models.CopilotConnection{
		UserID:          userID,
		DeviceCode:      dc.DeviceCode,
		UserCode:        dc.UserCode,
		VerificationURI: dc.VerificationURI,
		Interval:        dc.Interval,
		ExpiresAt:       time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second),
	}
	if err := h.assistant.SavePendingCopilot(ctx, conn); err != nil {
		respondError(c, apperr.SurfaceCopilot, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userCode":        dc.UserCode,
		"verificationUri": dc.VerificationURI,
		"expiresIn":       dc.ExpiresIn,
		"interval":        dc.Interval,
	})
}

func (h *Handler) copilotPoll(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if h.github == nil {
		offline(c, apperr.SurfaceCopilot)
		return
	}
	ctx := c.Request.Context()
	conn, err := h.assistant.GetCopilotConnection(ctx, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		respondError(c, apperr.SurfaceCopilot, err)
		return
	}
	if conn != nil && conn.Status == models.CopilotConnected {
		c.JSON(http.StatusOK, gin.H{"status": github.StatusConnected})
		return
	}
	if conn == nil || conn.Status != models.CopilotPending || conn.DeviceCode == "" {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceCopilot, "no pending connection"))
		return
	}
	if time.Now().After(conn.ExpiresAt) {
		h.dropCopilot(c, userID)
		c.JSON(http.StatusOK, gin.H{"status": github.StatusExpired})
		return
	}

	res, err := h.github.PollAccessToken(ctx, conn.DeviceCode)
	if err != nil {
		respondError(c, apperr.SurfaceCopilot, err)
		return
	}
	switch res.Status {
	case github.StatusSlowDown:
		interval := conn.Interval + int(github.SlowDownStep/time.Second)
		if err := h.assistant.UpdateCopilotInterval(ctx, userID, interval); err != nil {
			respondError(c, apperr.SurfaceCopilot, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": github.StatusPending, "interval": interval})
	case github.StatusExpired, github.StatusDenied:
		h.dropCopilot(c, userID)
		c.JSON(http.StatusOK, gin.H{"status": res.Status})
	case github.StatusConnected:
		if err := h.assistant.MarkCopilotConnected(ctx, userID, res.AccessToken); err != nil {
			respondError(c, apperr.SurfaceCopilot, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": github.StatusConnected})
	default:
		c.JSON(http.StatusOK, gin.H{"status": github.StatusPending, "interval": conn.Interval})
	}
}

// dropCopilot forgets a device flow that can no longer complete.
func (h *Handler) dropCopilot(c *gin.Context, userID int64) {
	if err := h.assistant.DeleteCopilotConnection(c.Request.Context(), userID); err != nil {
		log.Printf("api: drop copilot connection of user %d: %v", userID, err)
	}
}

func (h *Handler) copilotStatus(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conn, err := h.assistant.GetCopilotConnection(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		respondError(c, apperr.SurfaceCopilot, err)
		return
	}
	connected := conn != nil && conn.Status == models.CopilotConnected
	pending := conn != nil && conn.Status == models.CopilotPending && time.Now().Before(conn.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{"connected": connected, "pending": pending})
}

func (h *Handler) copilotDisconnect(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if token, err := h.assistant.CopilotAccessToken(ctx, userID); err == nil && h.github != nil {
		h.github.Forget(token)
	}
	if err := h.assistant.DeleteCopilotConnection(ctx, userID); err != nil {
		respondError(c, apperr.SurfaceCopilot, err)
		return
	}
	c.Status(http.StatusNoContent)
}
