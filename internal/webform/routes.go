package webform

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/store"
)

// Failure reasons rendered on the outcome page.
const (
	reasonDirectory = "directory"
	reasonChatID    = "chat_id"
	reasonToken     = "token"
	reasonError     = "error"
)

var registrationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "shoutout_registrations_total",
		Help: "Registration attempts by outcome.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(registrationsTotal)
}

// registerRoutes sets up all web form routes on the Gin router.
func registerRoutes(router *gin.Engine, opts *StartOpts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/register/:chat_id", handleForm(opts))
	router.POST("/register/:chat_id/login", handleLogin(opts))
}

func handleForm(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := c.Param("chat_id")
		c.HTML(http.StatusOK, "layout.html", gin.H{
			"page":    "form",
			"chatID":  chatID,
			"token":   c.Query("token"),
			"action":  "/register/" + url.PathEscape(chatID) + "/login",
			"imprint": opts.ImprintURL,
		})
	}
}

// handleLogin checks the directory credentials first, then the chat and
// its pending token. Only a fully successful attempt changes the user.
func handleLogin(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawID := c.Param("chat_id")
		token := c.PostForm("token")
		username := c.PostForm("username")
		password := c.PostForm("password")

		fail := func(status int, reason string) {
			registrationsTotal.WithLabelValues(reason).Inc()
			c.HTML(status, "layout.html", gin.H{
				"page":    "fail",
				"reason":  reason,
				"retry":   fmt.Sprintf("/register/%s?token=%s", url.PathEscape(rawID), url.QueryEscape(token)),
				"imprint": opts.ImprintURL,
			})
		}

		dn, err := opts.Verifier.AccountDN(username)
		if err != nil {
			fail(http.StatusUnauthorized, reasonDirectory)
			return
		}
		ok, err := opts.Verifier.CheckCredentials(c.Request.Context(), dn, password)
		if err != nil {
			log.Printf("webform: credential check for chat %s: %v", rawID, err)
			fail(http.StatusBadGateway, reasonError)
			return
		}
		if !ok {
			fail(http.StatusUnauthorized, reasonDirectory)
			return
		}

		chatID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			fail(http.StatusNotFound, reasonChatID)
			return
		}
		err = opts.Store.Scope(c.Request.Context(), func(tx *store.Tx) error {
			return tx.CompleteRegistration(chatID, token, dn)
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			fail(http.StatusNotFound, reasonChatID)
			return
		case errors.Is(err, store.ErrTokenMismatch):
			fail(http.StatusForbidden, reasonToken)
			return
		case err != nil:
			log.Printf("webform: complete registration for chat %d: %v", chatID, err)
			fail(http.StatusInternalServerError, reasonError)
			return
		}

		registrationsTotal.WithLabelValues("ok").Inc()
		opts.Audit.Printf("register chat=%d account=%q username=%q", chatID, dn, username)
		c.HTML(http.StatusOK, "layout.html", gin.H{
			"page":     "success",
			"username": username,
			"imprint":  opts.ImprintURL,
		})
	}
}
