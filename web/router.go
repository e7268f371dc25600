package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/deemkeen/fedipress/activitypub"
	"github.com/deemkeen/fedipress/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"
)

const followersPageSize = 50

// Server holds the HTTP-facing pieces of the federation core. Everything
// is passed in; there are no package-level singletons.
type Server struct {
	db    activitypub.Database
	conf  *util.AppConfig
	inbox *activitypub.Inbox
	keys  *activitypub.KeyStore
	hooks *activitypub.Hooks
}

func NewServer(database activitypub.Database, conf *util.AppConfig, inbox *activitypub.Inbox, keys *activitypub.KeyStore, hooks *activitypub.Hooks) *Server {
	return &Server{
		db:    database,
		conf:  conf,
		inbox: inbox,
		keys:  keys,
		hooks: hooks,
	}
}

// Router builds the HTTP handler with all federation endpoints mounted.
func (s *Server) Router() (*gin.Engine, error) {
	log.Printf("Starting federation server on %s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)

	// Set Gin to use the same log writer as the rest of the application
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbox endpoints: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for incoming activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := s.GetActor(c.Param("actor"))
		if err != nil {
			c.Render(404, render.String{Format: actor})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		actor := c.Param("actor")
		log.Printf("POST /users/%s/inbox", actor)
		s.inbox.Handle(c.Writer, c.Request, actor)
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleSharedInbox(c)
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		s.handleFollowers(c)
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		s.handleFollowing(c)
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		username := ParseActorFromResource(resource, s.conf.Conf.SslDomain)
		err, resp := s.GetWebfinger(username)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	return g, nil
}

// handleSharedInbox routes an activity arriving on the shared inbox to the
// local account it addresses, then hands it to the per-actor handler.
func (s *Server) handleSharedInbox(c *gin.Context) {
	log.Println("POST /inbox (shared inbox)")

	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Shared inbox: Failed to read body: %v", err)
		c.Status(400)
		return
	}

	var activity map[string]any
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Shared inbox: Failed to parse activity: %v", err)
		c.Status(400)
		return
	}

	targetUsername := s.extractTargetUsername(activity)
	if targetUsername == "" {
		log.Printf("Shared inbox: Could not determine target username from activity type %v", activity["type"])
		c.Status(202) // Accept anyway to be nice
		return
	}

	log.Printf("Shared inbox: Routing to user %s", targetUsername)
	req := c.Request.Clone(c.Request.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	s.inbox.Handle(c.Writer, req, targetUsername)
}

// extractTargetUsername finds the addressed local account in the to, cc
// and object fields of an activity.
func (s *Server) extractTargetUsername(activity map[string]any) string {
	domain := s.conf.Conf.SslDomain

	extractUsername := func(uri string) string {
		// One of our users looks like https://domain/users/username
		if strings.Contains(uri, domain) && strings.Contains(uri, "/users/") {
			parts := strings.Split(uri, "/")
			for i, part := range parts {
				if part == "users" && i+1 < len(parts) {
					username := parts[i+1]
					// Strip /followers or /following if present
					if slashIdx := strings.Index(username, "/"); slashIdx > 0 {
						username = username[:slashIdx]
					}
					return username
				}
			}
		}
		return ""
	}

	fromList := func(field string) string {
		list, ok := activity[field].([]any)
		if !ok {
			return ""
		}
		for _, entry := range list {
			if uri, ok := entry.(string); ok {
				if username := extractUsername(uri); username != "" {
					return username
				}
			}
		}
		return ""
	}

	if username := fromList("to"); username != "" {
		return username
	}
	if username := fromList("cc"); username != "" {
		return username
	}
	// Follow activities address the target in the object field
	if objStr, ok := activity["object"].(string); ok {
		return extractUsername(objStr)
	}
	return ""
}

func (s *Server) handleFollowers(c *gin.Context) {
	actor := c.Param("actor")
	pageParam := c.Query("page")
	log.Printf("Get followers for %s (page=%s)", actor, pageParam)
	c.Header("Content-Type", "application/activity+json; charset=utf-8")

	err, account := s.db.ReadAccByUsername(actor)
	if err != nil {
		log.Printf("Failed to get account %s: %v", actor, err)
		c.Render(404, render.String{Format: "{}"})
		return
	}

	total, err := s.db.CountFollowers(account.Id)
	if err != nil {
		log.Printf("Failed to count followers: %v", err)
		total = 0
	}

	if pageParam == "" {
		c.Render(200, render.String{Format: GetFollowersCollection(actor, s.conf, total)})
		return
	}

	page, err := strconv.Atoi(pageParam)
	if err != nil || page < 1 {
		page = 1
	}

	err, followers := s.db.ReadFollowersPage(account.Id, followersPageSize, (page-1)*followersPageSize)
	if err != nil {
		log.Printf("Failed to get followers: %v", err)
		c.Render(200, render.String{Format: GetFollowersPage(actor, s.conf, []string{}, page, total)})
		return
	}

	followerURIs := make([]string, 0, len(*followers))
	for _, follower := range *followers {
		followerURIs = append(followerURIs, follower.ActorURI)
	}

	c.Render(200, render.String{Format: GetFollowersPage(actor, s.conf, followerURIs, page, total)})
}

func (s *Server) handleFollowing(c *gin.Context) {
	actor := c.Param("actor")
	log.Printf("Get following for %s", actor)
	c.Header("Content-Type", "application/activity+json; charset=utf-8")

	err, account := s.db.ReadAccByUsername(actor)
	if err != nil {
		log.Printf("Failed to get account %s: %v", actor, err)
		c.Render(404, render.String{Format: "{}"})
		return
	}

	err, follows := s.db.ReadFollowsByAccountId(account.Id)
	if err != nil {
		log.Printf("Failed to get following: %v", err)
		c.Render(200, render.String{Format: GetFollowingCollection(actor, s.conf, []string{})})
		return
	}

	followingURIs := make([]string, 0, len(*follows))
	for _, follow := range *follows {
		followingURIs = append(followingURIs, follow.TargetActorURI)
	}

	c.Render(200, render.String{Format: GetFollowingCollection(actor, s.conf, followingURIs)})
}
