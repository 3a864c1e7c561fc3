// Package webform serves the one-time registration page that links a chat
// to a directory account.
package webform

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Verifier checks directory credentials. directory.Client implements it.
type Verifier interface {
	AccountDN(username string) (string, error)
	CheckCredentials(ctx context.Context, dn, password string) (bool, error)
}

// StartOpts holds configuration for the web form server.
type StartOpts struct {
	Store    *store.Store
	Verifier Verifier
	Listen   string // defaults to ":8080"
	// ImprintURL, if set, is linked from every page.
	ImprintURL string
	Audit      *log.Logger // defaults to the standard logger
	Out        io.Writer
}

func (o *StartOpts) validate() error {
	if o.Store == nil {
		return fmt.Errorf("webform: store is required")
	}
	if o.Verifier == nil {
		return fmt.Errorf("webform: verifier is required")
	}
	if o.Listen == "" {
		o.Listen = ":8080"
	}
	if o.Audit == nil {
		o.Audit = log.New(os.Stderr, "audit: ", log.LstdFlags)
	}
	return nil
}

// Start launches the web form server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := newRouter(opts)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Registration form listening on %s\n", opts.Listen)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webform: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with templates and routes.
func newRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("webform: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	registerRoutes(router, &opts)
	return router, nil
}

// parseTemplates loads the embedded HTML templates.
func parseTemplates() (*template.Template, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}

// RegistrationLink builds the URL a user opens to link their chat.
func RegistrationLink(baseURL string, chatID int64, token string) string {
	return fmt.Sprintf("%s/register/%d?token=%s",
		strings.TrimRight(baseURL, "/"), chatID, url.QueryEscape(token))
}
