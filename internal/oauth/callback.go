package oauth

import (
	"fmt"
	"html"
	"net/http"

	"go.uber.org/zap"
)

const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization complete</title></head>
<body>
<p>Authorization for <strong>%s</strong> completed. You can close this window.</p>
<script>setTimeout(function () { window.close(); }, 3000);</script>
</body>
</html>`

const callbackFailurePage = `<!DOCTYPE html>
<html>
<head><title>Authorization failed</title></head>
<body>
<p>Authorization failed: %s</p>
</body>
</html>`

// CallbackHandler serves GET /oauth/callback: it exchanges the code, resumes
// the upstream, and renders a page that closes itself after three seconds.
func (c *Coordinator) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		code := query.Get("code")
		state := query.Get("state")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		// Query values are attacker-controlled; escape anything echoed into
		// the page.
		if errCode := query.Get("error"); errCode != "" {
			c.logger.Warn("Authorization callback reported an error",
				zap.String("error", errCode))
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackFailurePage, html.EscapeString(errCode))
			return
		}
		if code == "" || state == "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackFailurePage, "missing code or state")
			return
		}

		serverName, err := c.HandleCallback(r.Context(), state, code)
		if err != nil {
			c.logger.Warn("Authorization callback failed", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackFailurePage, "token exchange failed")
			return
		}
		fmt.Fprintf(w, callbackSuccessPage, html.EscapeString(serverName))
	}
}
