package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradepilot/event"
	"tradepilot/exchange"
	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/store"
	"tradepilot/utils"
)

// handleResetTradingData 破坏性操作，必须携带哨兵确认串
// 只清历史数据白名单，凭证和厂商配置绝不触碰
func (s *Server) handleResetTradingData(c *gin.Context) {
	var req struct {
		Confirm string `json:"confirm"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}
	if req.Confirm != store.ResetConfirmSentinel {
		s.audit(c, "data.reset.refused", "store", "", req.Confirm)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "确认串不匹配，拒绝重置",
		})
		return
	}

	if err := s.store.ResetTradingData(c.Request.Context()); err != nil {
		respondFault(c, err)
		return
	}

	s.audit(c, "data.reset", "store", "", "cleared")
	s.bus.Publish(&event.Event{
		Type:      event.TypeDataReset,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{},
	})
	logger.Warn("🔄 交易数据已重置（凭证与配置保留）")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSaveExchangeCredentials(c *gin.Context) {
	name := c.Param("exchange")
	var secret map[string]string
	if err := c.ShouldBindJSON(&secret); err != nil || len(secret) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "凭证不能为空"})
		return
	}

	if err := s.vault.PutExchangeCredential(c.Request.Context(), name, secret); err != nil {
		respondFault(c, err)
		return
	}

	// 即时验证连通性并缓存适配器
	ex, err := exchange.New(name, exchange.Credentials(secret), false)
	if err != nil {
		respondFault(c, err)
		return
	}
	pingStart := time.Now()
	pingErr := ex.Ping(c.Request.Context())
	pingMs := time.Since(pingStart).Milliseconds()
	if pingErr == nil {
		exchange.Register(ex)
		s.bus.Publish(&event.Event{
			Type:      event.TypeCredentialVerified,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"Exchange": name},
		})
	}

	s.audit(c, "exchange.credentials.save", name, "", "updated")
	resp := gin.H{"success": true, "exchange": name, "ping_ms": pingMs}
	if pingErr != nil {
		resp["ping_error"] = pingErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListExchanges(c *gin.Context) {
	conns, err := s.store.ListExchangeConnections(c.Request.Context())
	if err != nil {
		respondFault(c, err)
		return
	}
	// Credentials 字段带 json:"-"，不会出现在响应里
	c.JSON(http.StatusOK, gin.H{"success": true, "exchanges": conns})
}

func (s *Server) handleRefreshBalance(c *gin.Context) {
	name := c.Param("exchange")
	ex, err := s.connectedExchange(c, name)
	if err != nil {
		respondFault(c, err)
		return
	}

	bal, err := s.gateway.RefreshBalance(c.Request.Context(), ex)
	if err != nil {
		respondFault(c, err)
		return
	}
	s.bus.Publish(&event.Event{
		Type:      event.TypeBalanceUpdated,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"Exchange": name, "TotalUSDT": bal.TotalUSDT},
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "balance": bal})
}

// connectedExchange 取缓存适配器，未缓存时从保险库重建
func (s *Server) connectedExchange(c *gin.Context, name string) (exchange.Exchange, error) {
	if ex, err := exchange.Get(name); err == nil {
		return ex, nil
	}
	secret, err := s.vault.GetExchangeCredential(c.Request.Context(), name)
	if err != nil {
		return nil, err
	}
	ex, err := exchange.New(name, exchange.Credentials(secret), false)
	if err != nil {
		return nil, err
	}
	exchange.Register(ex)
	return ex, nil
}

// placeOrderRequest 控制台直接下单（诊断用）
type placeOrderRequest struct {
	Exchange      string  `json:"exchange" binding:"required"`
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required"`
	Type          string  `json:"type"`
	Quantity      float64 `json:"quantity" binding:"required"`
	Price         float64 `json:"price"`
	ClientOrderID string  `json:"client_order_id"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}

	ex, err := s.connectedExchange(c, req.Exchange)
	if err != nil {
		respondFault(c, err)
		return
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = utils.GenerateClientOrderID(req.Exchange, req.Side)
	}
	orderType := exchange.OrderType(req.Type)
	if orderType == "" {
		orderType = exchange.OrderTypeLimit
	}

	result, err := s.gateway.PlaceOrder(c.Request.Context(), ex, &exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          exchange.Side(req.Side),
		Type:          orderType,
		Quantity:      req.Quantity,
		Price:         req.Price,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		respondFault(c, err)
		return
	}
	s.audit(c, "order.place", req.Exchange+"/"+req.Symbol, "", string(result.Status))
	c.JSON(http.StatusOK, gin.H{"success": true, "order": result})
}

// ==================== 故障转移条目 ====================

func (s *Server) handleListFailoverEntries(c *gin.Context) {
	entries, err := s.store.ListFailoverEntries(c.Request.Context())
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entries": entries})
}

func (s *Server) handleSaveFailoverEntry(c *gin.Context) {
	var entry store.FailoverEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}
	if entry.Provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "provider 不能为空"})
		return
	}
	// 主节点标记只能经选举产生，不接受直接写入
	if entry.IsPrimary {
		respondFault(c, fault.New(fault.KindState, "is_primary 由选举流程管理"))
		return
	}

	if err := s.store.SaveFailoverEntry(c.Request.Context(), &entry); err != nil {
		respondFault(c, err)
		return
	}
	s.audit(c, "failover.entry.save", entry.Provider, "", "updated")
	c.JSON(http.StatusOK, gin.H{"success": true, "entry": entry})
}

// ==================== 只读查询 ====================

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func (s *Server) handleListHealthEvents(c *gin.Context) {
	events, err := s.store.ListHealthEvents(c.Request.Context(), c.Query("provider"), queryLimit(c))
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}

func (s *Server) handleListFailoverEvents(c *gin.Context) {
	events, err := s.store.ListFailoverEvents(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}

func (s *Server) handleListSignals(c *gin.Context) {
	signals, err := s.store.ListSignals(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "signals": signals})
}

func (s *Server) handleListAuditEvents(c *gin.Context) {
	events, err := s.store.ListAuditEvents(c.Request.Context(), c.Query("action"), queryLimit(c))
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}

func (s *Server) handleListLogs(c *gin.Context) {
	logs, err := s.store.ListLogs(c.Request.Context(), c.Query("level"), queryLimit(c))
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs})
}

func (s *Server) handleListLatency(c *gin.Context) {
	samples, err := s.store.ListLatencySamples(c.Request.Context(), c.Query("source"), queryLimit(c))
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "samples": samples})
}
