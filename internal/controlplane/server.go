package controlplane

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/fnbox/internal/auth"
	"github.com/fentz26/fnbox/internal/dispatch"
	"github.com/fentz26/fnbox/internal/observability"
	"github.com/fentz26/fnbox/internal/registry"
	"github.com/fentz26/fnbox/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const identityKey = "fnbox.identity"

// multipartMemory is how much of a multipart body is held in memory; the
// rest spills to temporary files.
const multipartMemory = 32 << 20

// ServerOptions tune the HTTP server.
type ServerOptions struct {
	CORSOrigins []string
	// MaxUploadBytes caps request bodies. Zero disables the cap.
	MaxUploadBytes int64
	// WriteTimeout must cover the longest invocation.
	WriteTimeout time.Duration
}

// Server provides the HTTP API for fnbox.
type Server struct {
	service *Service
	auth    *auth.Authorizer
	addr    string
	opts    ServerOptions
	engine  *gin.Engine
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, authz *auth.Authorizer, addr string, opts ServerOptions) *Server {
	s := &Server{
		service: service,
		auth:    authz,
		addr:    addr,
		opts:    opts,
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = multipartMemory
	r.Use(gin.Recovery(), observability.RequestLogger(log.Logger), observability.RequestMetricsMiddleware())
	if len(s.opts.CORSOrigins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = s.opts.CORSOrigins
		cfg.AddAllowHeaders("Authorization")
		r.Use(cors.New(cfg))
	}

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin", s.require(auth.PermRegister))
	admin.POST("/functions", s.registerFunction)

	api := r.Group("/functions", s.require(auth.PermExecute))
	api.GET("", s.listFunctions)
	api.GET("/:id", s.getFunction)
	api.POST("/:id/invoke", s.invokeFunction)
	api.GET("/:id/invocations", s.listInvocations)

	r.GET("/invocations/:id", s.require(auth.PermExecute), s.getInvocation)

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	observability.RegisterMetrics()

	writeTimeout := s.opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = dispatch.DefaultTimeout + time.Minute
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	log.Info().Str("addr", s.addr).Str("version", Version).Msg("starting fnbox daemon")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) require(perm auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.auth.Authenticate(c.GetHeader("Authorization"))
		if err == nil {
			err = s.auth.Authorize(id, perm)
		}
		if err != nil {
			status, body := authError(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", `Bearer realm="fnbox"`)
			}
			c.AbortWithStatusJSON(status, body)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(auth.Identity); ok {
			return id
		}
	}
	return auth.Identity{}
}

func (s *Server) limitBody(c *gin.Context) {
	if s.opts.MaxUploadBytes > 0 {
		// Form fields and multipart framing ride on top of the archive.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes+(1<<20))
	}
}

// --- Health ---

func (s *Server) handleHealth(c *gin.Context) {
	h := s.service.Health(c.Request.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// --- Registration ---

func (s *Server) registerFunction(c *gin.Context) {
	s.limitBody(c)
	if _, err := c.MultipartForm(); err != nil {
		var tooLarge *http.MaxBytesError
		msg := "expected a multipart/form-data body"
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("request exceeds %d bytes", tooLarge.Limit)
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeValidation, Field: "zip_file"})
		return
	}

	req := registry.Request{
		ID:                 strings.TrimSpace(c.PostForm("id")),
		Name:               strings.TrimSpace(c.PostForm("name")),
		Description:        strings.TrimSpace(c.PostForm("description")),
		Inputs:             registry.ParseList(c.PostForm("input_list"), ","),
		Outputs:            registry.ParseList(c.PostForm("output_list"), ","),
		InputDescriptions:  registry.ParseList(c.PostForm("input_list_description"), ";"),
		OutputDescriptions: registry.ParseList(c.PostForm("output_list_description"), ";"),
	}
	if fh, err := c.FormFile("zip_file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "cannot read upload", Code: CodeValidation, Field: "zip_file"})
			return
		}
		defer f.Close()
		req.ArchiveName = fh.Filename
		req.Archive = f
	}

	desc, err := s.service.RegisterFunction(c.Request.Context(), identity(c).User, req)
	if err != nil {
		status, body := registrationError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, desc)
}

// --- Catalog ---

func (s *Server) listFunctions(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.ListFunctions())
}

func (s *Server) getFunction(c *gin.Context) {
	desc, err := s.service.GetFunction(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (s *Server) listInvocations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	invs, err := s.service.ListInvocations(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		if errors.Is(err, dispatch.ErrFunctionNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeNotFound})
			return
		}
		log.Error().Err(err).Msg("list invocations")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal})
		return
	}
	c.JSON(http.StatusOK, invs)
}

func (s *Server) getInvocation(c *gin.Context) {
	inv, err := s.service.GetInvocation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeNotFound})
			return
		}
		log.Error().Err(err).Msg("get invocation")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// --- Execution ---

func (s *Server) invokeFunction(c *gin.Context) {
	functionID := c.Param("id")
	desc, err := s.service.GetFunction(functionID)
	if err != nil {
		s.executionFailed(c, functionID, err)
		return
	}

	s.limitBody(c)
	form, err := c.MultipartForm()
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		c.String(http.StatusBadRequest, "invalid upload: %v", err)
		return
	}

	inputs := make(map[string]dispatch.Input, len(desc.Inputs))
	for i, slot := range desc.Inputs {
		fh := formFile(form, fmt.Sprintf("input_%d", i), slot)
		if fh == nil {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			c.String(http.StatusBadRequest, "cannot read upload for %s", slot)
			return
		}
		defer f.Close()
		inputs[slot] = dispatch.Input{Filename: fh.Filename, Reader: f}
	}

	res, err := s.service.Invoke(c.Request.Context(), identity(c).User, functionID, inputs)
	if err != nil {
		s.executionFailed(c, functionID, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	c.Header("X-Fnbox-Duration-Ms", strconv.FormatInt(res.Duration.Milliseconds(), 10))
	c.Data(http.StatusOK, res.ContentType, res.Data)
}

func formFile(form *multipart.Form, names ...string) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	for _, name := range names {
		if files := form.File[name]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

func (s *Server) executionFailed(c *gin.Context, functionID string, err error) {
	status, msg := executionError(err)
	if status == http.StatusInternalServerError && msg == "internal error" {
		log.Error().Err(err).Str("function_id", functionID).Msg("invocation failed")
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.String(status, "%s", msg)
}
