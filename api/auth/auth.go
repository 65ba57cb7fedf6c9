// Package auth authenticates API requests with wallet keys. A wallet has
// two keys: the invoice key can create and read, the admin key can also
// spend.
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/luminapay/lumina/api/apierr"
	"gitlab.com/luminapay/lumina/build"
	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/models/wallets"
)

const (
	// Header is the name of the header we check for authentication details
	Header = "X-Api-Key"
	// walletVariable is the Gin variable we store the authenticated wallet
	// under
	walletVariable = "wallet"
	// keyTypeVariable is the Gin variable we store which key authenticated
	// the request under
	keyTypeVariable = "wallet-key-type"
)

var log = build.AddSubLogger("AUTH")

// Scope is the access level an endpoint requires
type Scope int

const (
	// ScopeInvoice is granted by either wallet key
	ScopeInvoice Scope = iota
	// ScopeAdmin is granted by the admin key only
	ScopeAdmin
)

// GetMiddleware generates a middleware that authenticates the request
// against the wallet keys. The authenticated wallet is inserted as a request
// variable that handlers retrieve with WalletFromContext.
func GetMiddleware(database *db.DB, required Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingApiKey)
			return
		}

		wallet, keyType, err := wallets.GetByKey(database, key)
		if err != nil {
			if errors.Is(err, wallets.ErrWalletNotFound) {
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrBadApiKey)
				return
			}
			log.WithError(err).Error("Could not look up API key")
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		if wallet.Deleted {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrBadApiKey)
			return
		}
		if required == ScopeAdmin && keyType != wallets.AdminKey {
			apierr.Public(c, http.StatusForbidden, apierr.ErrBadApiKey)
			return
		}

		c.Set(walletVariable, wallet)
		c.Set(keyTypeVariable, keyType)
	}
}

// WalletFromContext returns the wallet the request authenticated as. Calling
// this from a handler that isn't behind GetMiddleware is a programming
// error, so it panics.
func WalletFromContext(c *gin.Context) (wallets.Wallet, wallets.KeyType) {
	walletValue, exists := c.Get(walletVariable)
	if !exists {
		panic("wallet not set in request context, missing auth middleware?")
	}
	keyTypeValue, exists := c.Get(keyTypeVariable)
	if !exists {
		panic("key type not set in request context, missing auth middleware?")
	}
	return walletValue.(wallets.Wallet), keyTypeValue.(wallets.KeyType)
}
