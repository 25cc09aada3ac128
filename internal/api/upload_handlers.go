package api

import (
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"polychat/internal/apperr"
	"polychat/internal/blob"
	"polychat/internal/models"
)

const (
	maxUploadBytes   = 10 << 20 // 10 MB
	userStorageLimit = 50 << 20 // 50 MB per user
)

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"text/html",
	"application/pdf",
	"application/json",
	"image/",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// sniffContentType detects the type from the first bytes, trusting the
// extension for plain text that sniffing cannot tell apart.
func sniffContentType(file multipart.File, name string) (string, error) {
	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	ct := http.DetectContentType(buf[:n])
	if strings.HasPrefix(ct, "text/plain") {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".md", ".markdown":
			return "text/markdown", nil
		case ".csv":
			return "text/csv", nil
		case ".json":
			return "application/json", nil
		}
	}
	return ct, nil
}

func (h *Handler) filesUpload(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceFiles, "file is required"))
		return
	}
	if fileHeader.Size > maxUploadBytes {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceFiles, "file size should be less than 10MB"))
		return
	}
	ctx := c.Request.Context()
	usage, err := h.assistant.UploadUsage(ctx, userID)
	if err != nil {
		respondError(c, apperr.SurfaceFiles, err)
		return
	}
	if usage+fileHeader.Size > userStorageLimit {
		writeError(c, apperr.New(apperr.RateLimit, apperr.SurfaceFiles, "storage quota exceeded"))
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceFiles, "open file failed"))
		return
	}
	defer f.Close()
	name := filepath.Base(fileHeader.Filename)
	contentType, err := sniffContentType(f, name)
	if err != nil {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceFiles, "read file failed"))
		return
	}
	if !isAllowedContentType(contentType) {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceFiles, "unsupported file type"))
		return
	}

	obj, err := h.blobs.Put(ctx, userID, name, contentType, f)
	if err != nil {
		respondError(c, apperr.SurfaceFiles, err)
		return
	}
	up := &models.Upload{
		UserID:      userID,
		Key:         obj.Key,
		URL:         obj.URL,
		Name:        obj.Name,
		ContentType: contentType,
		Size:        obj.Size,
	}
	if err := h.assistant.RecordUpload(ctx, up); err != nil {
		if delErr := h.blobs.Delete(ctx, obj.Key); delErr != nil {
			log.Printf("api: remove orphaned upload %s: %v", obj.Key, delErr)
		}
		respondError(c, apperr.SurfaceFiles, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":         up.URL,
		"pathname":    up.Key,
		"name":        up.Name,
		"contentType": up.ContentType,
		"size":        up.Size,
		"used":        usage + up.Size,
		"limit":       userStorageLimit,
	})
}

// serveFile streams a stored upload back to its owner.
func (h *Handler) serveFile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if c.Param("owner") != strconv.FormatInt(userID, 10) {
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceFiles, ""))
		return
	}
	key := c.Param("owner") + "/" + c.Param("name")
	ctx := c.Request.Context()
	up, err := h.assistant.GetUploadByKey(ctx, key)
	if err != nil {
		respondError(c, apperr.SurfaceFiles, err)
		return
	}
	if up.UserID != userID {
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceFiles, ""))
		return
	}
	rc, err := h.blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(c, apperr.New(apperr.NotFound, apperr.SurfaceFiles, ""))
			return
		}
		respondError(c, apperr.SurfaceFiles, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, up.Size, up.ContentType, rc, map[string]string{
		"Content-Disposition": `inline; filename="` + strings.ReplaceAll(up.Name, `"`, "") + `"`,
	})
}
