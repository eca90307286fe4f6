// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package webhook

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SecretTokenMiddleware rejects deliveries whose SecretHeader does not match
// secret.
//
// # Description
//
// Telegram echoes the secret_token given to setWebhook on every delivery.
// Comparing it keeps anyone who finds the webhook URL from injecting fake
// updates. An empty secret disables the check.
//
// # Inputs
//
//   - secret: Expected header value. Empty means accept everything.
//   - logger: Receives a warning per rejected request. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 {"error": "invalid secret token"}.
//
// # Thread Safety
//
// The returned middleware can be used concurrently.
func SecretTokenMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(SecretHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			logger.Warn("webhook delivery with bad secret token", "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
			return
		}
		c.Next()
	}
}
