package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/executor"
	"vaultflow/internal/risk"
	"vaultflow/internal/validation"
	"vaultflow/internal/vault"
	"vaultflow/internal/wallet"
	"vaultflow/pkg/models"
)

// getStatus 当前交易生命周期
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"lifecycle": s.Lifecycle.Snapshot(),
		"busy":      s.Actions.Busy(),
	})
}

// resetStatus 清空生命周期并释放状态订阅
func (s *Server) resetStatus(c *gin.Context) {
	s.Lifecycle.Reset()
	c.JSON(http.StatusOK, gin.H{"message": "状态已重置"})
}

func (s *Server) getAccount(c *gin.Context) {
	account := s.Account.Account()
	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"display":   validation.FormatDisplayAccount(account),
		"connected": account != "",
	})
}

func (s *Server) connectAccount(c *gin.Context) {
	account, err := s.Account.Connect(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"display": validation.FormatDisplayAccount(account),
	})
}

func (s *Server) disconnectAccount(c *gin.Context) {
	if err := s.Account.Disconnect(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "钱包已断开"})
}

// listVaults 当前账户的金库
func (s *Server) listVaults(c *gin.Context) {
	account, ok := s.requireAccount(c)
	if !ok {
		return
	}
	addresses, err := s.Registry.ListFor(c.Request.Context(), account)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if addresses == nil {
		addresses = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"vaults":  addresses,
		"total":   len(addresses),
	})
}

// createVault 创建新金库，返回时交易已提交中继
func (s *Server) createVault(c *gin.Context) {
	if _, ok := s.requireAccount(c); !ok {
		return
	}
	res, err := s.Actions.CreateVault(s.actionContext(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) importVault(c *gin.Context) {
	account, ok := s.requireAccount(c)
	if !ok {
		return
	}
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}

	msg, err := s.Registry.Import(c.Request.Context(), account, req.Address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "金库已导入", "address": req.Address})
}

func (s *Server) removeVault(c *gin.Context) {
	account, ok := s.requireAccount(c)
	if !ok {
		return
	}
	if err := s.Registry.Remove(account, c.Param("address")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "金库已移除"})
}

// loadVault 选中并加载金库
func (s *Server) loadVault(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.MsgInvalidAddress})
		return
	}
	v, err := s.Vaults.Load(c.Request.Context(), address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vaultView(v, s.Vaults.Projected()))
}

// executeAction 对金库执行操作。非清算操作要求该金库为当前选中金库，必要时先加载
func (s *Server) executeAction(c *gin.Context) {
	address := c.Param("address")
	var req struct {
		Type   string `json:"type" binding:"required"`
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	actionType, err := models.ParseActionType(req.Type)
	if err != nil || actionType == models.ActionCreateVault {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的操作类型: " + req.Type})
		return
	}
	if _, ok := s.requireAccount(c); !ok {
		return
	}

	if actionType == models.ActionLiquidate {
		res, err := s.Actions.Liquidate(s.actionContext(c), address)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
		return
	}

	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.MsgInvalidAmount})
		return
	}
	if active := s.Vaults.Active(); active == nil || active.Address != address {
		if _, err := s.Vaults.Load(c.Request.Context(), address); err != nil {
			s.writeError(c, err)
			return
		}
	}

	ctx := s.actionContext(c)
	var res *executor.Result
	switch actionType {
	case models.ActionDepositCollateral:
		res, err = s.Actions.DepositCollateral(ctx, amount)
	case models.ActionRedeemCollateral:
		res, err = s.Actions.RedeemCollateral(ctx, amount)
	case models.ActionMintZkUsd:
		res, err = s.Actions.MintZkUsd(ctx, amount)
	case models.ActionBurnZkUsd:
		res, err = s.Actions.BurnZkUsd(ctx, amount)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// setProjection 计算待执行操作后的风险指标
func (s *Server) setProjection(c *gin.Context) {
	var req struct {
		Action models.ActionType `json:"action" binding:"required"`
		Amount string            `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	if active := s.Vaults.Active(); active == nil || active.Address != c.Param("address") {
		c.JSON(http.StatusConflict, gin.H{"error": validation.MsgVaultNotLoaded})
		return
	}

	projected, err := s.Vaults.SetProjectedState(req.Action, req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projected": projected})
}

func (s *Server) clearProjection(c *gin.Context) {
	s.Vaults.ClearProjectedState()
	c.JSON(http.StatusOK, gin.H{"message": "预测已清除"})
}

// evaluateRisk 按查询参数计算风险指标，price 缺省取缓存价格
func (s *Server) evaluateRisk(c *gin.Context) {
	collateral, err1 := validation.ParseAmount(c.Query("collateral"))
	debt, err2 := validation.ParseAmount(c.Query("debt"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.MsgInvalidAmount})
		return
	}

	price := s.Prices.Current()
	if raw := c.Query("price"); raw != "" {
		p, err := validation.ParseAmount(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.MsgInvalidAmount})
			return
		}
		price = p
	}

	m := risk.Evaluate(collateral, debt, price)
	c.JSON(http.StatusOK, gin.H{
		"metrics":       m,
		"health_factor": risk.FormatHealthFactor(m.HealthFactor),
		"ltv":           risk.FormatLTV(m.LTV),
		"price_nano":    strconv.FormatUint(price, 10),
	})
}

func (s *Server) getPrice(c *gin.Context) {
	point, err := s.Prices.Snapshot()
	resp := gin.H{
		"price":      validation.FormatAmount(s.Prices.Current(), 4),
		"price_nano": s.Prices.Current(),
		"proof":      point,
	}
	if err != nil {
		resp["error"] = vaulterrors.UserMessage(err)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requireAccount(c *gin.Context) (string, bool) {
	account := s.Account.Account()
	if account == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No account provided"})
		return "", false
	}
	return account, true
}

// actionContext 操作在请求结束后仍可能等待状态通道，只继承取消之外的值
func (s *Server) actionContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// writeError 按错误类型映射 HTTP 状态码，正文只包含用户文案
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, executor.ErrActionInFlight),
		errors.Is(err, vault.ErrVaultLocked),
		errors.Is(err, wallet.ErrSessionLocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, vault.ErrNoActiveVault),
		errors.Is(err, vault.ErrProjectionUnderflow),
		errors.Is(err, vault.ErrProjectionUnsupported),
		errors.Is(err, wallet.ErrNotConnected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		if ve, ok := vaulterrors.As(err); ok {
			switch ve.Type {
			case vaulterrors.ErrorTypeValidation, vaulterrors.ErrorTypeProtocol:
				status = http.StatusUnprocessableEntity
			case vaulterrors.ErrorTypeStaleness:
				status = http.StatusConflict
			case vaulterrors.ErrorTypeWallet:
				status = http.StatusForbidden
			case vaulterrors.ErrorTypeRelay, vaulterrors.ErrorTypeChain, vaulterrors.ErrorTypeNetwork, vaulterrors.ErrorTypeTimeout:
				status = http.StatusBadGateway
			}
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("请求处理失败")
	}
	c.JSON(status, gin.H{"error": vaulterrors.UserMessage(err)})
}

func vaultView(v *models.Vault, projected *models.ProjectedState) gin.H {
	return gin.H{
		"vault":         v,
		"health_factor": risk.FormatHealthFactor(v.CurrentHealthFactor),
		"ltv":           risk.FormatLTV(v.CurrentLTV),
		"risk_level":    risk.ClassifyHealthFactor(v.CurrentHealthFactor),
		"collateral":    validation.FormatAmount(v.CollateralAmount, 4),
		"debt":          validation.FormatAmount(v.DebtAmount, 4),
		"projected":     projected,
	}
}
