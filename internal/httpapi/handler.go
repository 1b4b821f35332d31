package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"fieldops-dispatch/pkg/db/pagination"
	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/pkg/health"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/assignment"
	"fieldops-dispatch/services/earning"
	"fieldops-dispatch/services/matching"
	"fieldops-dispatch/services/payout"
	"fieldops-dispatch/services/request"
	"fieldops-dispatch/services/rule"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

type Handler struct {
	requests    *request.Service
	matching    *matching.Service
	assignments *assignment.Service
	earnings    *earning.Service
	payouts     *payout.Service
	rules       *rule.Service
}

type HandlerParams struct {
	fx.In
	Requests    *request.Service
	Matching    *matching.Service
	Assignments *assignment.Service
	Earnings    *earning.Service
	Payouts     *payout.Service
	Rules       *rule.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		requests:    p.Requests,
		matching:    p.Matching,
		assignments: p.Assignments,
		earnings:    p.Earnings,
		payouts:     p.Payouts,
		rules:       p.Rules,
	}
}

func RegisterRoutes(engine *gin.Engine, h *Handler, hs health.HealthService) {
	engine.GET("/healthz", hs.Liveness)
	engine.GET("/readyz", hs.Readiness)

	v1 := engine.Group("/v1")
	{
		v1.POST("/requests", h.CreateRequest)
		v1.GET("/requests/:id", h.GetRequest)
		v1.POST("/requests/:id/match", h.MatchRequest)
		v1.POST("/requests/:id/accept", h.AcceptRequest)
		v1.POST("/requests/:id/reprocess", h.ReprocessRequest)

		v1.GET("/assignments/:id", h.GetAssignment)
		v1.POST("/assignments/:id/transition", h.TransitionAssignment)
		v1.POST("/assignments/:id/cancel", h.CancelAssignment)
		v1.POST("/assignments/:id/proofs", h.AttachProof)

		v1.GET("/agents/:id/balance", h.GetBalance)
		v1.GET("/agents/:id/earnings", h.ListEarnings)

		v1.POST("/payouts/preview", h.PreviewPayout)
		v1.POST("/rules", h.CreateRule)
		v1.PATCH("/rules/:id", h.UpdateRule)
	}
}

// actor pulls the authenticated caller identity injected by the gateway.
func actor(c *gin.Context) assignment.Actor {
	return assignment.Actor{
		ID:   c.GetHeader("X-Actor-ID"),
		Role: c.GetHeader("X-Actor-Role"),
	}
}

func abortWith(c *gin.Context, err error) {
	code, body := errutil.ToHTTP(err)
	c.AbortWithStatusJSON(code, body)
}

type createRequestBody struct {
	ClientID          string     `json:"client_id" binding:"required"`
	ServiceType       string     `json:"service_type" binding:"required"`
	Category          string     `json:"category"`
	ScheduledAt       *time.Time `json:"scheduled_at"`
	Lat               *float64   `json:"lat"`
	Lon               *float64   `json:"lon"`
	LaborCents        int64      `json:"labor_cents"`
	MaterialsCents    int64      `json:"materials_cents"`
	TotalCents        int64      `json:"total_cents" binding:"required"`
	ReferredByAgentID *string    `json:"referred_by_agent_id"`
	CustomerRef       string     `json:"customer_ref"`
	PaymentMethodRef  string     `json:"payment_method_ref"`
}

func (h *Handler) CreateRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	req, err := h.requests.Create(c.Request.Context(), request.CreateParams{
		ClientID:          body.ClientID,
		ServiceType:       body.ServiceType,
		Category:          body.Category,
		ScheduledAt:       body.ScheduledAt,
		Lat:               body.Lat,
		Lon:               body.Lon,
		LaborCents:        body.LaborCents,
		MaterialsCents:    body.MaterialsCents,
		TotalCents:        body.TotalCents,
		ReferredByAgentID: body.ReferredByAgentID,
		CustomerRef:       body.CustomerRef,
		PaymentMethodRef:  body.PaymentMethodRef,
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) MatchRequest(c *gin.Context) {
	result, err := h.matching.MatchAndAssign(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) AcceptRequest(c *gin.Context) {
	result, err := h.matching.Accept(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type reprocessBody struct {
	ExcludeAgentIDs []string `json:"exclude_agent_ids"`
}

func (h *Handler) ReprocessRequest(c *gin.Context) {
	var body reprocessBody
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.matching.Reprocess(c.Request.Context(), c.Param("id"), body.ExcludeAgentIDs)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetAssignment(c *gin.Context) {
	job, err := h.assignments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type transitionBody struct {
	Action string   `json:"action" binding:"required"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Notes  string   `json:"notes"`
	Reason string   `json:"reason"`
}

func (h *Handler) TransitionAssignment(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	job, err := h.assignments.Transition(c.Request.Context(), c.Param("id"), body.Action, actor(c), assignment.TransitionParams{
		Lat:    body.Lat,
		Lon:    body.Lon,
		Notes:  body.Notes,
		Reason: body.Reason,
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelAssignment(c *gin.Context) {
	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.assignments.Cancel(c.Request.Context(), c.Param("id"), actor(c), body.Reason)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type proofBody struct {
	Type      string `json:"type" binding:"required"`
	ObjectKey string `json:"object_key" binding:"required"`
}

func (h *Handler) AttachProof(c *gin.Context) {
	var body proofBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	proof, err := h.assignments.AttachProof(c.Request.Context(), c.Param("id"), actor(c), body.Type, body.ObjectKey)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, proof)
}

func (h *Handler) ListEarnings(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		abortWith(c, errutil.BadRequest("invalid pagination params", err))
		return
	}

	rows, info, err := h.earnings.ListByAgent(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}

func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.earnings.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

type previewPayoutBody struct {
	TotalCents     int64  `json:"total_cents" binding:"required"`
	LaborCents     int64  `json:"labor_cents"`
	MaterialsCents int64  `json:"materials_cents"`
	Tier           string `json:"tier"`
	Mode           string `json:"mode"`
}

func (h *Handler) PreviewPayout(c *gin.Context) {
	var body previewPayoutBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	mode := payout.Mode(body.Mode)
	if mode == "" {
		mode = payout.ModeTiered
	}

	split, err := h.payouts.Compute(c.Request.Context(), body.TotalCents, body.LaborCents, body.MaterialsCents, agent.Tier(body.Tier), mode)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, split)
}

type createRuleBody struct {
	Name       string `json:"name" binding:"required"`
	Expression string `json:"expression" binding:"required"`
}

func (h *Handler) CreateRule(c *gin.Context) {
	var body createRuleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	created, err := h.rules.Create(c.Request.Context(), body.Name, body.Expression)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type updateRuleBody struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) UpdateRule(c *gin.Context) {
	var body updateRuleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, errutil.BadRequest("invalid request body", err))
		return
	}

	updated, err := h.rules.SetActive(c.Request.Context(), c.Param("id"), *body.Active)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
