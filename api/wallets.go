package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/luminapay/lumina/api/auth"
	"gitlab.com/luminapay/lumina/models/payments"
	"gitlab.com/luminapay/lumina/models/wallets"
)

func (r *RestServer) registerWalletRoutes() {
	group := r.Router.Group("/api/v1/wallet")

	group.GET("", auth.GetMiddleware(r.db, auth.ScopeInvoice), r.getWallet())
	group.PUT("/balance", auth.GetMiddleware(r.db, auth.ScopeAdmin), r.updateWalletBalance())
}

// walletResponse deliberately omits the admin key: a request authenticated
// with the invoice key must not learn it
type walletResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BalanceMsat int64  `json:"balanceMsat"`
}

func (r *RestServer) getWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := auth.WalletFromContext(c)

		balance, err := wallets.Balance(r.db, wallet.ID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, walletResponse{
			ID:          wallet.ID,
			Name:        wallet.Name,
			BalanceMsat: balance,
		})
	}
}

type updateBalanceRequest struct {
	DeltaMsat int64 `json:"deltaMsat" binding:"required"`
}

// updateWalletBalance credits or debits the wallet by the given delta,
// written as a synthetic adjustment row. Guarded by the admin key, meant
// for operator tooling and regtest setups.
func (r *RestServer) updateWalletBalance() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := auth.WalletFromContext(c)

		var request updateBalanceRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}

		adjustment, err := payments.UpdateWalletBalance(r.db, r.settings.View(),
			wallet.ID, request.DeltaMsat)
		if err != nil {
			abortWithDomainError(c, err)
			return
		}

		c.JSON(http.StatusOK, adjustment)
	}
}
