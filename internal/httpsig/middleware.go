package httpsig

import (
	"bytes"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// MaxBodySize bounds the body read for verification.
const MaxBodySize = 1 << 20

const signerKey = "httpsig.signer"

// SignerDID returns the verified signer set by Middleware, or "" when
// the request was let through as a trusted local session.
func SignerDID(c echo.Context) string {
	did, _ := c.Get(signerKey).(string)
	return did
}

// Middleware verifies every request's signature. Requests for which
// trusted returns true skip verification. The body is buffered and
// restored for the handler.
func Middleware(v *Verifier, trusted func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if trusted != nil && trusted(c) {
				return next(c)
			}

			req := c.Request()
			body, err := io.ReadAll(io.LimitReader(req.Body, MaxBodySize+1))
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{
					"error":   "InvalidRequest",
					"message": "Could not read request body",
				})
			}
			if len(body) > MaxBodySize {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
					"error":   "PayloadTooLarge",
					"message": "Request body too large",
				})
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			did, err := v.Verify(req.Context(), req, body)
			if err != nil {
				v.logger.Infof("Rejected signed request to %s: %v", req.URL.Path, err)
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":   "InvalidSignature",
					"message": err.Error(),
				})
			}
			c.Set(signerKey, did)
			return next(c)
		}
	}
}
