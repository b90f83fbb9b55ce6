// Package serve exposes a runtime.Backend over HTTP with the contract the
// remote backend speaks.
package serve

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"maisi/internal/logging"
	"maisi/internal/ndarray"
	"maisi/internal/runtime"
)

// Lister is implemented by backends that can report their loaded models.
type Lister interface {
	Loaded() []runtime.ModelSpec
}

// NewRouter builds the HTTP handler for backend.
func NewRouter(backend runtime.Backend, logger *slog.Logger) *gin.Engine {
	logger = logging.NewComponentLogger(logger, "serve")
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/v1/health", func(c *gin.Context) {
		resp := gin.H{"backend": backend.Name()}
		if lister, ok := backend.(Lister); ok {
			resp["models"] = lister.Loaded()
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/v1/models", func(c *gin.Context) {
		var spec runtime.ModelSpec
		if err := c.ShouldBindJSON(&spec); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if err := backend.Load(c.Request.Context(), spec); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"role": spec.Role})
	})

	r.POST("/v1/encode", func(c *gin.Context) {
		shape, err := runtime.ParseShape(c.GetHeader(runtime.HeaderShape))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		input, err := runtime.ReadTensor(c.Request.Body, shape)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		out, err := backend.Encode(c.Request.Context(), input)
		writeTensor(c, out, err)
	})

	r.POST("/v1/mask", func(c *gin.Context) {
		var req runtime.MaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		out, err := backend.GenerateMask(c.Request.Context(), req)
		writeTensor(c, out, err)
	})

	r.POST("/v1/image", func(c *gin.Context) {
		var req runtime.ImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		out, err := backend.GenerateImage(c.Request.Context(), req)
		writeTensor(c, out, err)
	})

	return r
}

func writeTensor(c *gin.Context, out *ndarray.Array, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runtime.ErrNotLoaded) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"message": err.Error()})
		return
	}
	var buf bytes.Buffer
	if err := runtime.WriteTensor(&buf, out); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Header(runtime.HeaderShape, runtime.FormatShape(out.Shape))
	c.Data(http.StatusOK, runtime.ContentTensor, buf.Bytes())
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(runtime.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(runtime.HeaderRequestID, id)
		ctx := logging.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		logging.WithContext(ctx, logger).Debug("request served",
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	}
}
