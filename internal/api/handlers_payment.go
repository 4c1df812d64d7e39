package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"srpk-license-server/internal/database"
	"srpk-license-server/internal/issuer"
	"srpk-license-server/internal/pricing"
	"srpk-license-server/internal/product"
	"srpk-license-server/internal/verifier"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

type verifyPaymentRequest struct {
	TxHash        string `json:"tx_hash" binding:"required"`
	Network       string `json:"network"`
	Asset         string `json:"asset" binding:"required"`
	ClaimedAmount string `json:"claimed_amount"`
	ProductCode   string `json:"product_code" binding:"required"`
	BuyerEmail    string `json:"buyer_email" binding:"required,email"`
}

func (s *Server) handleVerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !txHashPattern.MatchString(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction hash"})
		return
	}
	if req.Network == "" {
		req.Network = s.chainCfg.Network
	}

	claimed := decimal.Zero
	if req.ClaimedAmount != "" {
		var err error
		claimed, err = decimal.NewFromString(req.ClaimedAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claimed_amount"})
			return
		}
	}

	result, err := s.verifier.Verify(c.Request.Context(), verifier.Request{
		TxHash:        req.TxHash,
		Network:       req.Network,
		Asset:         req.Asset,
		ClaimedAmount: claimed,
		ProductCode:   req.ProductCode,
		BuyerEmail:    req.BuyerEmail,
	})
	if errors.Is(err, verifier.ErrUnknownProduct) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, pricing.ErrPriceUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":      result.Status,
			"reason_code": string(result.ReasonCode),
			"error":       "price unavailable, retry later",
		})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("tx_hash", req.TxHash).Msg("verification failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	switch result.Status {
	case database.ClaimStatusVerified:
		license, err := s.issuer.Issue(c.Request.Context(), result.Claim)
		if err != nil && !errors.Is(err, issuer.ErrIssuanceConflict) {
			s.logger.Error().Err(err).Str("tx_hash", req.TxHash).Msg("issuance failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "issuance failed"})
			return
		}
		s.respondIssued(c, license)

	case database.ClaimStatusCredited:
		license, err := s.repo.GetLicenseByTxHash(c.Request.Context(), result.Claim.TxHash)
		if err != nil || license == nil {
			s.logger.Error().Err(err).Str("tx_hash", req.TxHash).Msg("credited claim without license")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "license lookup failed"})
			return
		}
		s.respondIssued(c, license)

	case database.ClaimStatusRejected:
		c.JSON(http.StatusOK, gin.H{
			"status":      "rejected",
			"reason_code": string(result.ReasonCode),
		})

	default:
		c.JSON(http.StatusOK, gin.H{
			"status":        "pending",
			"reason_code":   string(result.ReasonCode),
			"confirmations": result.Confirmations,
			"required":      s.chainCfg.MinConfirmations,
		})
	}
}

func (s *Server) respondIssued(c *gin.Context, license *database.License) {
	token, err := s.issuer.Token(license)
	if err != nil {
		s.logger.Warn().Err(err).Str("license_key", license.LicenseKey).Msg("token signing failed")
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "credited",
		"license_key":   license.LicenseKey,
		"license_token": token,
		"product_code":  license.ProductCode,
		"expires_at":    license.ExpiresAt,
	})
}

type calculateAmountRequest struct {
	ProductCode string `json:"product_code" binding:"required"`
	Asset       string `json:"asset" binding:"required"`
}

func (s *Server) handleCalculateAmount(c *gin.Context) {
	var req calculateAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prod, ok := product.Get(req.ProductCode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown product code"})
		return
	}
	if _, ok := s.registry.BySymbol(req.Asset); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported asset"})
		return
	}

	band, err := s.oracle.RequiredAmount(c.Request.Context(), strings.ToUpper(req.Asset), prod.USDPrice)
	if errors.Is(err, pricing.ErrPriceUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price unavailable, retry later"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("asset", req.Asset).Msg("amount calculation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calculation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_code":      prod.Code,
		"usd_price":         prod.USDPrice,
		"asset":             strings.ToUpper(req.Asset),
		"amount":            band.Nominal,
		"min_amount":        band.Lower,
		"max_amount":        band.Upper,
		"tolerance_percent": s.oracle.TolerancePercent(),
	})
}

func (s *Server) handlePaymentInfo(c *gin.Context) {
	assets := make([]gin.H, 0, len(s.chainCfg.TokenAddresses)+1)
	native := s.registry.Native()
	assets = append(assets, gin.H{"symbol": native.Symbol, "native": true})
	for symbol, addr := range s.chainCfg.TokenAddresses {
		assets = append(assets, gin.H{"symbol": symbol, "contract": addr})
	}

	products := make([]gin.H, 0)
	for _, p := range product.All() {
		products = append(products, gin.H{
			"code":      p.Code,
			"name":      p.Name,
			"usd_price": p.USDPrice,
			"term_days": p.TermDays,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"network":           s.chainCfg.Network,
		"chain_id":          s.chainCfg.ChainID,
		"merchant_wallet":   s.chainCfg.MerchantWallet,
		"min_confirmations": s.chainCfg.MinConfirmations,
		"assets":            assets,
		"products":          products,
	})
}
