package api

import (
	"errors"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/billing"
	"github.com/whistle-net/coordinator/internal/config"
	"github.com/whistle-net/coordinator/internal/dispatch"
	"github.com/whistle-net/coordinator/internal/epoch"
	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/ingest"
	"github.com/whistle-net/coordinator/internal/registry"
	"github.com/whistle-net/coordinator/internal/settlement"
)

type Server struct {
	cfg      *config.Config
	db       *gorm.DB
	log      *logrus.Logger
	registry *registry.Registry
	ingestor *ingest.Ingestor
	epochs   *epoch.Manager
	hub      *dispatch.Hub
	ledger   *billing.Ledger
	settler  *settlement.Writer
}

func New(cfg *config.Config, db *gorm.DB, log *logrus.Logger, reg *registry.Registry, ing *ingest.Ingestor, epochs *epoch.Manager, hub *dispatch.Hub, ledger *billing.Ledger, settler *settlement.Writer) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		log:      log,
		registry: reg,
		ingestor: ing,
		epochs:   epochs,
		hub:      hub,
		ledger:   ledger,
		settler:  settler,
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	router.Use(cors.Default())

	router.GET("/health", s.getHealth)
	router.GET("/info", s.getInfo)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/nodes/register", s.postRegisterNode)
	router.POST("/nodes/:id/metrics", s.postNodeMetrics)
	router.GET("/nodes", s.getNodes)
	router.GET("/nodes/:id", s.getNode)

	router.GET("/rewards", s.getRewards)
	router.POST("/rewards/claim", s.postClaimRewards)
	router.GET("/leaderboard", s.getLeaderboard)

	router.GET("/epochs/current", s.getCurrentEpoch)
	router.POST("/epochs/close", s.postCloseEpoch)

	router.POST("/credits/account", s.postCreditsAccount)
	router.POST("/credits/deposit", s.postCreditsDeposit)
	router.GET("/credits/stats", s.getCreditsStats)
	router.GET("/credits/:wallet", s.getCredits)
	router.GET("/credits/:wallet/usage", s.getCreditsUsage)

	router.POST("/query", s.postQuery)

	router.GET("/stats", s.getStats)

	router.POST("/admin/nodes/:id/ban", s.postBanNode)
	router.POST("/admin/credits/:wallet/ratelimit", s.postSetRateLimit)
	router.POST("/admin/settle", s.postSettle)
	router.GET("/admin/settlements", s.getSettlements)
	router.POST("/admin/settlements/:id/settled", s.postMarkSettled)

	router.GET("/ws", func(c *gin.Context) {
		s.hub.Serve(c.Writer, c.Request)
	})

	return router
}

// writeError renders the taxonomy error body {error, message} with the
// mapped status; rate-limit rejections carry a Retry-After hint.
func writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	if kind == "" {
		kind = "Internal"
	}
	var e *errs.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		seconds := int(e.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	c.JSON(errs.HTTPStatus(err), gin.H{"error": string(kind), "message": err.Error()})
}
